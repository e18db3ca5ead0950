package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/scriptcore/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the execution journal",
		Long: `Inspect and maintain the execution journal.

Every finished execution is journaled with its classified outcome, the
number of attempts and the records it streamed, when the journal is
enabled in the configuration.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		status string
		digest string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled executions, newest first",
		Example: `  # Show the last 20 executions
  scriptcore history list

  # Show failures from the last hour
  scriptcore history list --status failed --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{needJournal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			filter := stores.ExecutionFilter{
				Status:       stores.ExecutionStatus(status),
				ScriptDigest: digest,
				Limit:        limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			execs, err := a.journal.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), execs)
			}
			return printExecutions(cmd.OutOrStdout(), execs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (succeeded, failed, cancelled, rejected, denied)")
	cmd.Flags().StringVar(&digest, "digest", "", "filter by script digest")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions started within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of executions")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution and its streamed records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{needJournal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.journal.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := a.journal.GetRecords(cmd.Context(), exec.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"execution": exec,
					"records":   records,
				})
			}
			return printExecution(cmd.OutOrStdout(), exec, records)
		},
	}
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old executions from the journal",
		Example: `  scriptcore history prune --older-than 168h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			a, err := newApp(cmd.Context(), appOptions{needJournal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d executions\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "delete executions started before now minus this duration")
	return cmd
}

func printExecutions(w io.Writer, execs []*stores.Execution) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTARTED\tSTATUS\tATTEMPTS\tDURATION\tERROR\n")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID,
			e.StartedAt.Local().Format(time.DateTime),
			e.Status,
			e.Attempts,
			e.Duration.Round(time.Millisecond),
			e.ErrorCode,
		)
	}
	return tw.Flush()
}

func printExecution(w io.Writer, e *stores.Execution, records []stores.Record) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", e.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", e.Status)
	fmt.Fprintf(tw, "Started:\t%s\n", e.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", e.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "Attempts:\t%d\n", e.Attempts)
	fmt.Fprintf(tw, "Script:\t%s (%d bytes)\n", e.ScriptDigest, e.ScriptSize)
	if e.ErrorCode != "" {
		fmt.Fprintf(tw, "Error:\t%s: %s (transient=%t)\n", e.ErrorCode, e.ErrorMessage, e.Transient)
	}
	if e.SessionCorrupted {
		fmt.Fprintf(tw, "Session:\tcorrupted\n")
	}
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		fmt.Fprintf(tw, "%s:\t%s\n", k, e.Metadata[k])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(records) > 0 {
		fmt.Fprintln(w)
	}
	for _, r := range records {
		fmt.Fprintf(w, "%4d %-8s %s\n", r.Seq, r.Kind, r.Payload)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
