// Package tool defines the Tool Contract: a uniform call/response shape
// every executor (built-in or external) satisfies, resolved through a
// Registry keyed by dotted name.
package tool

import (
	"context"

	"github.com/capsule-run/capsule/schema"
)

// Context carries what a Tool needs beyond its own arguments: the owning
// run, a borrowed Policy reference for defense-in-depth checks, and the
// working directory proposals are resolved against.
type Context struct {
	RunID      string
	Policy     *schema.Policy
	WorkingDir string
}

// Output is the tagged result of executing a Tool. Tools return Success:
// false for expected failures (missing file, non-200 response, nonzero
// exit code they consider a failure); they never panic across this
// boundary for expected conditions.
type Output struct {
	Success  bool
	Data     any
	Error    string
	Metadata map[string]any
}

// Ok builds a successful Output, attaching metadata key/value pairs.
func Ok(data any, metadata map[string]any) Output {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Output{Success: true, Data: data, Metadata: metadata}
}

// Fail builds a failed Output, attaching metadata key/value pairs.
func Fail(errMsg string, metadata map[string]any) Output {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Output{Success: false, Error: errMsg, Metadata: metadata}
}

// Tool is a named, side-effecting operation reachable through a Registry.
type Tool interface {
	Name() string
	Description() string
	// ValidateArgs returns human-readable error messages for malformed
	// args, or nil if args are well-formed. Implementations with no extra
	// validation may embed NoValidation to satisfy this for free.
	ValidateArgs(args map[string]any) []string
	Execute(ctx context.Context, args map[string]any, tc *Context) Output
}

// NoValidation is embedded by tools that accept ValidateArgs's default of
// "no errors", matching the reference base class's default implementation.
type NoValidation struct{}

func (NoValidation) ValidateArgs(map[string]any) []string { return nil }
