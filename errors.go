package gearman

import "fmt"

// Kind classifies the errors this core can return, matching the taxonomy
// of SPEC_FULL.md section 7 so callers can branch with errors.As + a type
// switch on Kind instead of matching error strings.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindProtocol marks a fatal wire-format or ordering violation.
	KindProtocol
	// KindServer marks an ERROR command received from the server.
	KindServer
	// KindDuplicateJob marks a foreground submit of an in-flight (function, uniqueId).
	KindDuplicateJob
	// KindUnsupportedOption marks a setOption call with an unrecognized option.
	KindUnsupportedOption
	// KindUnknownCommand marks a catalog lookup miss.
	KindUnknownCommand
	// KindArgMismatch marks a Command built with the wrong argument set.
	KindArgMismatch
	// KindConnectionClosed marks an operation that lost its connection.
	KindConnectionClosed
	// KindDial marks a factory-level dial failure.
	KindDial
	// KindPing marks a factory-level initial-ping failure.
	KindPing
	// KindInvalidState marks an operation on an already-terminal Task or Job.
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindDuplicateJob:
		return "duplicate-job"
	case KindUnsupportedOption:
		return "unsupported-option"
	case KindUnknownCommand:
		return "unknown-command"
	case KindArgMismatch:
		return "argument-mismatch"
	case KindConnectionClosed:
		return "connection-closed"
	case KindDial:
		return "dial"
	case KindPing:
		return "ping"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// Error is the error type this core returns for the failures it detects
// itself. Context cancellation errors and socket errors reported by
// Connection.Close are returned as they are, not wrapped. Code and Text are
// populated for KindServer, carrying the server's ERROR frame verbatim.
type Error struct {
	Kind Kind
	Msg  string
	Code string
	Text string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindServer:
		return fmt.Sprintf("gearman: server error %s: %s", e.Code, e.Text)
	case e.Err != nil:
		return fmt.Sprintf("gearman: %s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("gearman: %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func newErrf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func newUnknownCommandError(ref string) *Error {
	return newErrf(KindUnknownCommand, "unknown command %q", ref)
}

func newArgMismatchError(typeName, detail string) *Error {
	return newErrf(KindArgMismatch, "%s: %s", typeName, detail)
}

func newProtocolError(format string, args ...interface{}) *Error {
	return newErrf(KindProtocol, format, args...)
}

func newServerError(code, text string) *Error {
	return &Error{Kind: KindServer, Code: code, Text: text}
}

func newClosedError() *Error {
	return newErr(KindConnectionClosed, "connection closed")
}
