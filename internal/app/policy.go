package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(c *Connection, kind EventKind) BackpressureAction
}

// SimplePolicy drops ephemeral frames and kicks connections that cannot
// keep up with durable events; a kicked client reconnects and resyncs
// from history.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *Connection, kind EventKind) BackpressureAction {
	if kind == Ephemeral {
		return DropFrame
	}
	return KickMember
}
