package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/scriptcore/pkg/protocol"
)

func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [stream.jsonl]",
		Short: "Summarize a recorded execution stream",
		Long: `Decode an execution stream written by "scriptcore exec --json" and print
one summary per execution. The stream is read from stdin when no file is
given. Sequence numbers are checked, so a truncated or reordered stream is
reported.`,
		Example: `  scriptcore exec check.star --json > run.jsonl
  scriptcore replay run.jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(filepath.Clean(args[0]))
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			transcripts, err := protocol.ReadTranscripts(r)
			if err != nil {
				return fmt.Errorf("invalid stream after %d executions: %w", len(transcripts), err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), transcripts)
			}
			for _, t := range transcripts {
				printTranscript(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	return cmd
}

func printTranscript(w io.Writer, t *protocol.Transcript) {
	id := "unknown"
	if t.Start != nil {
		id = t.Start.ExecutionID
	}
	fmt.Fprintf(w, "%s\n", id)
	fmt.Fprintf(w, "  output=%d verbose=%d warnings=%d errors=%d retries=%d\n",
		len(t.Outputs), len(t.Verbose), len(t.Warnings), len(t.Errors), len(t.Retries))
	for _, r := range t.Retries {
		fmt.Fprintf(w, "  retry %d: %s, waited %.2fs: %s\n", r.Attempt, r.Code, r.Delay, r.Message)
	}

	d := t.Done
	switch {
	case d == nil:
		fmt.Fprintf(w, "  INCOMPLETE\n")
	case d.Success:
		fmt.Fprintf(w, "  SUCCEEDED after %d attempts in %.3fs\n", d.Attempts, d.Duration)
	case d.WasCancelled:
		fmt.Fprintf(w, "  CANCELLED after %d attempts\n", d.Attempts)
	case d.Error == nil:
		fmt.Fprintf(w, "  FAILED after %d attempts\n", d.Attempts)
	default:
		fmt.Fprintf(w, "  FAILED after %d attempts: %s: %s (transient=%t)\n", d.Attempts, d.Error.Code, d.Error.Message, d.Error.Transient)
		if d.SessionCorrupted {
			fmt.Fprintf(w, "  session corrupted\n")
		}
	}
}
