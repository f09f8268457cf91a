package core

import "errors"

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// Frame is a serialized outbound event.
type Frame []byte

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full queue returns ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// CodedCloser is implemented by transports that can end the connection
// with an application close code. Close alone means a clean close.
type CodedCloser interface {
	CloseWithCode(code int, reason string)
}
