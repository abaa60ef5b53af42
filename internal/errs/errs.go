package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"
)

// Code identifies a class of failure surfaced by the loader or the manager.
type Code string

const (
	// Load-time errors. All of them abort the session before any process starts.
	CodeFileNotFound        Code = "FILE_NOT_FOUND"
	CodeMalformedDescriptor Code = "MALFORMED_DESCRIPTOR"
	CodeInvalidKind         Code = "INVALID_KIND"
	CodeCyclicDependency    Code = "CYCLIC_DEPENDENCY"

	// Runtime errors, local to one node and handled by its restart policy.
	CodeSpawnFailed  Code = "SPAWN_FAILED"
	CodeProcessError Code = "PROCESS_ERROR"

	// Session level.
	CodeRootBlocked Code = "ROOT_BLOCKED"
	CodeShutdown    Code = "SHUTDOWN"
)

// LoadTime reports whether c is fatal to startup.
func (c Code) LoadTime() bool {
	switch c {
	case CodeFileNotFound, CodeMalformedDescriptor, CodeInvalidKind, CodeCyclicDependency:
		return true
	}
	return false
}

// Error is a structured error carrying the offending node name and enough
// context (searched directories, file path, cycle chain) to fix the configuration.
type Error struct {
	Code    Code           `json:"code"`
	Node    string         `json:"node,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so that errors.Is(err, ErrShutdown) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Node == "" || t.Node == e.Node)
	}
	return false
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code Code, node, message string) *Error {
	return &Error{Code: code, Node: node, Message: message}
}

func Wrap(err error, code Code, node, message string) *Error {
	return &Error{Code: code, Node: node, Message: message, Cause: err}
}

// ErrShutdown is returned by operations refused because the manager is stopping.
var ErrShutdown = New(CodeShutdown, "", "session manager is shutting down")

func FileNotFound(node string, dirs []string) *Error {
	return New(CodeFileNotFound, node, fmt.Sprintf("descriptor %q not found in any search directory", node)).
		WithDetail("searched", strings.Join(dirs, ":"))
}

// MalformedDescriptor wraps a parse or validation failure. JSON syntax errors
// keep their byte offset so the operator can find the broken spot.
func MalformedDescriptor(node, path string, cause error) *Error {
	e := Wrap(cause, CodeMalformedDescriptor, node, fmt.Sprintf("descriptor %q is malformed", node))
	if path != "" {
		e.WithDetail("path", path)
	}
	var syn *gojson.SyntaxError
	if errors.As(cause, &syn) {
		e.WithDetail("offset", syn.Offset)
	}
	return e
}

func InvalidKind(node, value string) *Error {
	return New(CodeInvalidKind, node, fmt.Sprintf("unrecognised kind value %q", value)).
		WithDetail("kind", value)
}

// CyclicDependency names the node that closed the cycle. chain is the
// resolution path from the root down to the node that referenced it again.
func CyclicDependency(node string, chain []string) *Error {
	e := New(CodeCyclicDependency, node, fmt.Sprintf("cycle for target %q", node))
	if len(chain) > 0 {
		e.WithDetail("chain", strings.Join(append(append([]string(nil), chain...), node), " -> "))
	}
	return e
}

func SpawnFailed(node string, cause error) *Error {
	return Wrap(cause, CodeSpawnFailed, node, fmt.Sprintf("failed to spawn %q", node))
}

func ProcessError(node string, exitCode int, cause error) *Error {
	return Wrap(cause, CodeProcessError, node, fmt.Sprintf("process %q terminated abnormally", node)).
		WithDetail("exit_code", exitCode)
}

func RootBlocked(root, by string) *Error {
	return New(CodeRootBlocked, root, fmt.Sprintf("root %q can never start: dependency %q is stopped", root, by)).
		WithDetail("blocked_by", by)
}

// Is checks if an error carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the error code from an error, or "" when none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NodeOf returns the node name attached to err, or "".
func NodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Node
	}
	return ""
}
