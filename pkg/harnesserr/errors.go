// Package harnesserr defines the harness-wide error taxonomy. Every
// component returns one of these kinds (wrapped with WrapError at the
// point it crosses a package boundary) instead of ad-hoc fmt.Errorf
// strings, so calling code can errors.As into a specific kind rather
// than matching on message text.
package harnesserr

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Code identifies the taxonomy of errors a session/orchestrator run can produce.
type Code int

const (
	// ConfigError means the harness configuration itself is invalid
	// (e.g. persistent sessions combined with cached task images).
	ConfigError Code = iota
	// EngineError wraps a failure from the underlying container engine
	// (build, create, start, exec, remove, ...).
	EngineError
	// SessionError means the container session is in a state that does
	// not permit the requested operation (e.g. command sent while Closed).
	SessionError
	// CommandError means the command itself could not be dispatched or
	// its exit code could not be parsed.
	CommandError
	// TotalTimeoutError means the command exceeded its total timeout.
	TotalTimeoutError
	// NoOutputTimeoutError means the command produced no output for longer
	// than its configured no-output timeout.
	NoOutputTimeoutError
	// UnicodeError means the command's output crossed the invalid-byte
	// density threshold and was abandoned.
	UnicodeError
	// ParseError means a task record or log could not be parsed.
	ParseError
)

func (c Code) String() string {
	switch c {
	case ConfigError:
		return "ConfigError"
	case EngineError:
		return "EngineError"
	case SessionError:
		return "SessionError"
	case CommandError:
		return "CommandError"
	case TotalTimeoutError:
		return "TotalTimeoutError"
	case NoOutputTimeoutError:
		return "NoOutputTimeoutError"
	case UnicodeError:
		return "UnicodeError"
	case ParseError:
		return "ParseError"
	default:
		return "UnknownError"
	}
}

// WrapError wraps an error for the sake of showing a stack trace at the
// top level. go-errors, for some reason, does not return nil when you
// try to wrap a non-error, so we guard here.
func WrapError(err error) error {
	if err == nil {
		return err
	}
	return errors.Wrap(err, 0)
}

// HarnessError is an error which carries a Code so calling code can
// branch on error class instead of matching message text.
type HarnessError struct {
	Message string
	Code    Code
	// Output carries whatever partial command output had already been
	// buffered when the error was raised (set on the timeout Codes), so
	// a caller that must keep going — e.g. an orchestrator continuing an
	// episode past a timeout — can recover it without reparsing Message.
	Output string
	frame  xerrors.Frame
}

// New builds a HarnessError of the given kind, capturing the caller's frame.
func New(code Code, format string, args ...interface{}) HarnessError {
	return HarnessError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		frame:   xerrors.Caller(1),
	}
}

// NewWithOutput is New plus the partial output already produced before
// the error condition (timeout, crash) was hit.
func NewWithOutput(code Code, output, format string, args ...interface{}) HarnessError {
	return HarnessError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Output:  output,
		frame:   xerrors.Caller(1),
	}
}

func (he HarnessError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", he.Code, he.Message)
	he.frame.Format(p)
	return nil
}

func (he HarnessError) Format(f fmt.State, c rune) {
	xerrors.FormatError(he, f, c)
}

func (he HarnessError) Error() string {
	return fmt.Sprint(he)
}

// Is reports whether err is a HarnessError of the given code.
func Is(err error, code Code) bool {
	var he HarnessError
	if xerrors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// PartialOutput returns the partial command output carried by err, if
// any. It returns "" for errors that aren't a HarnessError or that
// never had output attached.
func PartialOutput(err error) string {
	var he HarnessError
	if xerrors.As(err, &he) {
		return he.Output
	}
	return ""
}
