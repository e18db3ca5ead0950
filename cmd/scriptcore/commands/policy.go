package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/scriptcore/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
		Long: `Admission policies are Rego modules evaluated against every script before
it reaches the session. A blocking violation denies the script without
touching the circuit breaker.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{needPolicies: true})
			if err != nil {
				return err
			}
			defer a.Close()

			policies := a.policies.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "NAME\tSEVERITY\tENABLED\tTAGS\tDESCRIPTION\n")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, strings.Join(p.Tags, ","), p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		evals  []string
		params map[string]string
	)

	cmd := &cobra.Command{
		Use:   "check [script.star...]",
		Short: "Evaluate scripts against admission policies without running them",
		Example: `  # Check a script file
  scriptcore policy check cleanup.star

  # Check an inline script with parameters
  scriptcore policy check -e 'exchange.remove_mailbox(params["name"])' --param name=bob`,
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

			a, err := newApp(cmd.Context(), appOptions{needPolicies: true})
			if err != nil {
				return err
			}
			defer a.Close()

			denied := 0
			results := make([]map[string]any, 0, len(sources))
			for _, src := range sources {
				decision, err := a.policies.Evaluate(cmd.Context(), policy.NewInput(uuid.NewString(), src.text, typed))
				if err != nil {
					return err
				}
				if !decision.Allowed {
					denied++
				}
				if jsonOutput {
					results = append(results, map[string]any{"script": src.name, "decision": decision})
					continue
				}
				printDecision(cmd.OutOrStdout(), src.name, decision)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			}
			if denied > 0 {
				return fmt.Errorf("%d of %d scripts denied", denied, len(sources))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&evals, "eval", "e", nil, "inline script (repeatable)")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "script parameters (key=value, YAML-typed)")

	return cmd
}

func printDecision(w io.Writer, name string, d *policy.Decision) {
	verdict := "ALLOWED"
	if !d.Allowed {
		verdict = "DENIED"
	}
	fmt.Fprintf(w, "%s: %s (%d policies, %s)\n", name, verdict, len(d.EvaluatedPolicies), d.Duration)
	for _, v := range d.Violations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range d.Warnings {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
}
