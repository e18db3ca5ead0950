package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/scriptcore/pkg/stores"
)

// ExampleOpen demonstrates opening and migrating a journal.
func ExampleOpen() {
	store, err := stores.Open(context.Background(), stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Journal ready")
	// Output: Journal ready
}

// ExampleSQLiteStore_RecordExecution demonstrates journaling an execution
// and reading back its streamed records.
func ExampleSQLiteStore_RecordExecution() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	defer store.Close()

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := store.RecordExecution(ctx, &stores.Execution{
		ID:          "exec-42",
		Script:      `emit(params["name"])`,
		Status:      stores.ExecutionStatusSucceeded,
		Attempts:    1,
		OutputCount: 1,
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		Duration:    time.Second,
	}, []stores.Record{
		{Kind: stores.RecordKindOutput, Payload: `"bob"`},
	})
	if err != nil {
		log.Fatal(err)
	}

	exec, _ := store.GetExecution(ctx, "exec-42")
	records, _ := store.GetRecords(ctx, "exec-42")
	fmt.Printf("%s %s after %d attempt(s)\n", exec.ID, exec.Status, exec.Attempts)
	fmt.Printf("%s %s\n", records[0].Kind, records[0].Payload)
	// Output:
	// exec-42 succeeded after 1 attempt(s)
	// output "bob"
}
