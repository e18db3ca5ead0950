package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/scriptcore/pkg/invoke"
	"github.com/openfroyo/scriptcore/pkg/session"
)

// scriptSource is one script to run, in command-line order.
type scriptSource struct {
	name string
	text string
}

func newExecCommand() *cobra.Command {
	var (
		evals     []string
		params    map[string]string
		keepGoing bool
		status    bool
	)

	cmd := &cobra.Command{
		Use:   "exec [script.star...]",
		Short: "Run scripts in one stateful session",
		Long: `Run one or more Starlark scripts, in order, against a single session.

Globals assigned by one script are visible to the next. Each script runs
through admission policies, the circuit breaker and the retry policy.
Transient failures are retried with backoff; a failure that corrupts the
session is reported and the session is recovered before the next script.

Scripts read parameters from the params dict and stream results with
emit(), verbose(), warn() and error(). Use "-" to read a script from stdin.`,
		Example: `  # Run a script file
  scriptcore exec check.star

  # Run inline scripts that share state
  scriptcore exec -e 'count = 1' -e 'emit(count + 1)'

  # Pass typed parameters
  scriptcore exec report.star --param mailbox=bob --param limit=10

  # Stream the execution as JSON lines
  scriptcore exec check.star --json > run.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := readSources(cmd.InOrStdin(), args, evals)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return fmt.Errorf("no script given: pass a file or use -e")
			}
			typed, err := parseParams(params)
			if err != nil {
				return err
			}

			opts := appOptions{needInvoker: true}
			if jsonOutput {
				opts.stream = cmd.OutOrStdout()
			} else if verbose {
				opts.notices = cmd.ErrOrStderr()
			}
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, src := range sources {
				out := runScript(cmd.Context(), a, src, typed, cmd.OutOrStdout(), cmd.ErrOrStderr())
				if out.Success {
					continue
				}
				failed++
				if out.WasCancelled || !keepGoing {
					break
				}
			}

			if status {
				printStatus(cmd.ErrOrStderr(), a)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts failed", failed, len(sources))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&evals, "eval", "e", nil, "inline script (repeatable, runs after files)")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "script parameters (key=value, YAML-typed)")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with the next script after a failure")
	cmd.Flags().BoolVar(&status, "status", false, "print session and breaker status when done")

	return cmd
}

func runScript(ctx context.Context, a *app, src scriptSource, params map[string]any, stdout, stderr io.Writer) *invoke.Outcome {
	if timeout := a.cfg.Engine.ExecutionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opts := []session.ExecOption{session.WithParams(params)}
	if !jsonOutput {
		opts = append(opts,
			session.OnOutput(func(v any) { printValue(stdout, v) }),
			session.OnWarning(func(msg string) { fmt.Fprintf(stderr, "WARNING: %s\n", msg) }),
			session.OnError(func(rec session.ErrorRecord) { fmt.Fprintf(stderr, "ERROR: %s\n", rec.Error()) }),
		)
		if verbose {
			opts = append(opts, session.OnVerbose(func(msg string) { fmt.Fprintf(stderr, "VERBOSE: %s\n", msg) }))
		}
	}

	out := a.invoker.Run(ctx, src.text, opts...)

	logger := log.With().Str("script", src.name).Str("execution_id", out.ExecutionID).Logger()
	switch {
	case out.Success:
		logger.Debug().Int("attempts", out.Attempts).Dur("duration", out.Duration).Msg("Script succeeded")
	case out.WasCancelled:
		logger.Warn().Msg("Script cancelled")
	default:
		event := logger.Error().
			Str("code", string(out.Error.Code)).
			Bool("transient", out.Error.IsTransient).
			Int("attempts", out.Attempts)
		if out.Error.RetryAfter > 0 {
			event = event.Dur("retry_after", out.Error.RetryAfter)
		}
		if out.SessionCorrupted {
			event = event.Bool("session_corrupted", true)
		}
		event.Msg(out.Error.Message)
	}
	return out
}

func readSources(stdin io.Reader, files, evals []string) ([]scriptSource, error) {
	sources := make([]scriptSource, 0, len(files)+len(evals))
	for _, f := range files {
		var data []byte
		var err error
		if f == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(filepath.Clean(f))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read script %s: %w", f, err)
		}
		sources = append(sources, scriptSource{name: f, text: string(data)})
	}
	for i, e := range evals {
		sources = append(sources, scriptSource{name: fmt.Sprintf("-e #%d", i+1), text: e})
	}
	return sources, nil
}

// parseParams decodes each value as YAML so numbers, booleans and lists
// keep their type. Values that are not valid YAML stay strings.
func parseParams(raw map[string]string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q: empty name", k+"="+v)
		}
		var typed any
		if err := yaml.Unmarshal([]byte(v), &typed); err != nil || typed == nil {
			typed = v
		}
		params[k] = typed
	}
	return params, nil
}

func printValue(w io.Writer, v any) {
	if s, ok := v.(string); ok {
		fmt.Fprintln(w, s)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(w, v)
		return
	}
	fmt.Fprintln(w, string(data))
}

func printStatus(w io.Writer, a *app) {
	st := a.engine.Status()
	snap := a.breaker.Snapshot()
	report := map[string]any{
		"session": st,
		"breaker": snap,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "session=%s breaker=%s\n", st.StateName, a.breaker.State())
		return
	}
	fmt.Fprintln(w, string(data))
}
