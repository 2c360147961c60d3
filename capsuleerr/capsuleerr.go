// Package capsuleerr defines the error kind taxonomy shared by every
// subsystem of capsule: policy denials, tool failures, storage faults,
// replay mismatches, and plan/proposer validation errors all surface as a
// single Error type so callers can use errors.Is/errors.As uniformly.
package capsuleerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse, machine-readable error category.
type Kind string

const (
	KindPolicyDenied    Kind = "policy_denied"
	KindToolError       Kind = "tool_error"
	KindPlanValidation  Kind = "plan_validation"
	KindProposerError   Kind = "proposer_error"
	KindReplay          Kind = "replay"
	KindStorage         Kind = "storage"
	KindConfig          Kind = "config"
)

// Code is a fine-grained subkind within a Kind, e.g. "path_blocked" under
// KindPolicyDenied.
type Code string

const (
	CodePathBlocked       Code = "path_blocked"
	CodeDomainBlocked     Code = "domain_blocked"
	CodeExecutableBlocked Code = "executable_blocked"
	CodeTokenBlocked      Code = "token_blocked"
	CodeSizeExceeded      Code = "size_exceeded"
	CodeQuotaExceeded     Code = "quota_exceeded"
	CodeDenyByDefault     Code = "deny_by_default"

	CodeToolNotFound       Code = "tool_not_found"
	CodeToolExecutionError Code = "tool_execution_failed"
	CodeToolTimeout        Code = "tool_timeout"

	CodePlanEmpty    Code = "plan_empty"
	CodeStepInvalid  Code = "step_invalid"

	CodeConnection       Code = "connection"
	CodeTimeout          Code = "timeout"
	CodeModelUnavailable Code = "model_unavailable"
	CodeParse            Code = "parse"
	CodeInvalidResponse  Code = "invalid_response"

	CodeRunNotFound   Code = "run_not_found"
	CodeMismatch      Code = "mismatch"
	CodeHashMismatch  Code = "hash_mismatch"

	CodeStorageConnection Code = "storage_connection"
	CodeStorageRead       Code = "storage_read"
	CodeStorageWrite      Code = "storage_write"

	CodeConfigRead   Code = "config_read"
	CodeConfigParse  Code = "config_parse"
	CodeConfigInvalid Code = "config_invalid"
)

// Error is the single error type used across capsule. It carries a coarse
// Kind, a fine-grained Code, a human Message, an optional Suggestion, a
// free-form Context map for structured logging, and an optional Cause for
// error chaining.
type Error struct {
	Kind       Kind
	Code       Code
	Message    string
	Suggestion string
	Context    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given kind, code, and message.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that chains to cause.
func Wrap(kind Kind, code Code, cause error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithContext attaches structured context and returns the same Error for
// chaining at the call site.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion attaches an actionable suggestion and returns the same
// Error for chaining at the call site.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// Is reports whether target is an *Error with the same Kind and Code,
// letting callers match on the taxonomy rather than pointer identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// ErrNotFound is a storage-read sentinel. The sqlite Audit Store readers
// do not return it: they report a missing row as a nil value with a nil
// error. Because Is compares only Kind and Code, errors.Is(err,
// ErrNotFound) also holds for every other storage_read error.
var ErrNotFound = New(KindStorage, CodeStorageRead, "not found")
