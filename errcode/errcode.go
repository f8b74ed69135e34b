package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes from the EDMO protocol/session error taxonomy.
const (
	OK Code = "ok"

	MalformedPayload  Code = "malformed_payload"
	ChannelIOFailure  Code = "channel_io_failure"
	ValidationTimeout Code = "validation_timeout"
	SessionClosed     Code = "session_closed"
	SessionFull       Code = "session_full"
	NoSuchSession     Code = "no_such_session"
	LockedByOtherHost Code = "locked_by_other_host"

	Error Code = "error" // generic fallback
)

// E wraps a Code with operation context and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E carrying op, code and cause.
func Wrap(op string, c Code, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
