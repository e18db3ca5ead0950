package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newShellCommand() *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run scripts interactively in one session",
		Long: `Read scripts from stdin and run each one in the same session as it is
entered. A script is one line; end a line with a backslash to continue it
on the next. Globals persist between scripts.

Commands:
  :status    print session and breaker status
  :recover   rebuild the session
  :quit      exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typed, err := parseParams(params)
			if err != nil {
				return err
			}
			opts := appOptions{needInvoker: true, notices: cmd.ErrOrStderr()}
			if jsonOutput {
				opts.stream = cmd.OutOrStdout()
			}
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			return readScripts(cmd.InOrStdin(), stderr, func(line string) bool {
				switch line {
				case ":quit", ":exit":
					return false
				case ":status":
					printStatus(stderr, a)
				case ":recover":
					ok := a.engine.Recover(cmd.Context())
					fmt.Fprintf(stderr, "recovered=%t\n", ok)
				default:
					runScript(cmd.Context(), a, scriptSource{name: "shell", text: line}, typed, stdout, stderr)
				}
				return cmd.Context().Err() == nil
			})
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "parameters bound to every script (key=value, YAML-typed)")
	return cmd
}

// readScripts calls fn with every script read from r until fn returns
// false or r is exhausted.
func readScripts(r io.Reader, prompt io.Writer, fn func(string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending strings.Builder
	fmt.Fprint(prompt, ">>> ")
	for scanner.Scan() {
		line := scanner.Text()
		if cont, ok := strings.CutSuffix(line, `\`); ok {
			pending.WriteString(cont)
			pending.WriteByte('\n')
			fmt.Fprint(prompt, "... ")
			continue
		}
		pending.WriteString(line)
		script := strings.TrimSpace(pending.String())
		pending.Reset()

		if script != "" && !fn(script) {
			return nil
		}
		fmt.Fprint(prompt, ">>> ")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if script := strings.TrimSpace(pending.String()); script != "" {
		fn(script)
	}
	return nil
}
