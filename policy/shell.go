package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/capsule-run/capsule/schema"
)

const (
	ruleCmdMustBeList     = "cmd_must_be_list"
	ruleCmdEmpty          = "cmd_empty"
	ruleAllowExecutables  = "allow_executables"
)

// evaluateShellRun adjudicates a shell.run proposal per
// policy/engine.py's _evaluate_shell_run. The single most important
// invariant: cmd must already be a list of strings, never a shell-
// interpreted string.
func evaluateShellRun(args map[string]any, sp schema.ShellPolicy) schema.PolicyDecision {
	raw, ok := args["cmd"]
	if !ok {
		return schema.DenyRule("'cmd' is required", ruleMissingArgument)
	}

	cmd, ok := asStringList(raw)
	if !ok {
		return schema.DenyRule(
			"'cmd' must be a list of strings, not a shell-interpreted string",
			ruleCmdMustBeList,
		)
	}
	if len(cmd) == 0 {
		return schema.DenyRule("'cmd' list cannot be empty", ruleCmdEmpty)
	}

	executable := filepath.Base(cmd[0])
	if !contains(sp.AllowExecutables, executable) {
		return schema.DenyRule(
			fmt.Sprintf("executable %q is not in allow_executables", executable),
			ruleAllowExecutables,
		)
	}

	joined := strings.Join(cmd, " ")
	for _, token := range sp.DenyTokens {
		if containsWordBoundaryToken(joined, token) {
			return schema.DenyRule(
				fmt.Sprintf("command contains denied token %q", token),
				fmt.Sprintf("deny_tokens[%s]", token),
			)
		}
	}

	return schema.Allow("allow_executables")
}

// asStringList accepts []string or []any whose elements are all strings;
// a bare string (the dangerous case) is explicitly rejected.
func asStringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// containsWordBoundaryToken reports whether token appears in s as a
// whole "word" under a [a-zA-Z0-9] boundary definition, case-insensitive.
// Go's RE2 has no lookaround, so the boundary is checked by hand around
// each match of the bare token.
func containsWordBoundaryToken(s, token string) bool {
	if token == "" {
		return false
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(token))
	for _, loc := range re.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isWordByte(s[start-1]) {
			continue
		}
		if end < len(s) && isWordByte(s[end]) {
			continue
		}
		return true
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
