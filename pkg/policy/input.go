package policy

import (
	"sort"
	"strings"

	"go.starlark.net/syntax"
)

var parseOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// NewInput builds the policy input for a script, extracting the names of
// the functions it calls.
func NewInput(executionID, script string, params map[string]any) Input {
	in := Input{
		ExecutionID: executionID,
		Script:      script,
		Length:      len(script),
		Lines:       strings.Count(script, "\n") + 1,
		Calls:       []string{},
		Params:      params,
	}
	if script == "" {
		in.Lines = 0
	}
	in.Calls = calledFunctions(script)
	return in
}

func calledFunctions(script string) []string {
	f, err := parseOptions.Parse("admission.star", script, 0)
	if err != nil {
		return []string{}
	}

	seen := make(map[string]bool)
	syntax.Walk(f, func(n syntax.Node) bool {
		call, ok := n.(*syntax.CallExpr)
		if !ok {
			return true
		}
		if name := calleeName(call.Fn); name != "" {
			seen[name] = true
		}
		return true
	})

	calls := make([]string, 0, len(seen))
	for name := range seen {
		calls = append(calls, name)
	}
	sort.Strings(calls)
	return calls
}

func calleeName(e syntax.Expr) string {
	switch fn := e.(type) {
	case *syntax.Ident:
		return fn.Name
	case *syntax.DotExpr:
		if prefix := calleeName(fn.X); prefix != "" {
			return prefix + "." + fn.Name.Name
		}
	}
	return ""
}
