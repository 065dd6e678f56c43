package stream

const errLoggerKey = "err"

// ErrorKind categorizes stream failures for handling.
type ErrorKind int

const (
	// KindTransport is a failure to reach the server or read from it, including non-2xx replies.
	KindTransport ErrorKind = iota + 1
	// KindProtocol is an error reported by the server inside a frame.
	KindProtocol
	// KindIncomplete means the stream ended before a frame marked it done.
	KindIncomplete
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Error is the error a Session reports through its error callback. Message is meant to be shown to
// the user as is.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
