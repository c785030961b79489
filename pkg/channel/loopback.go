package channel

import "github.com/mhalvors/fsoe-go/pkg/frame"

// Loopback is an in-memory Transport whose frames appear in the peer's
// mailbox. Used by tests; also a convenient seam
// for fault injection, since a test can corrupt the mailbox content
// between the two endpoints' cycles.
type Loopback struct {
	inbox *mailbox
	peer  *mailbox

	// Drop causes Send to discard frames while true, simulating a dead
	// or partitioned black channel.
	Drop bool

	// Corrupt, when non-nil, is applied to every frame on its way into
	// the peer's mailbox.
	Corrupt func(frame []byte)
}

// NewLoopbackPair creates two connected loopback transports.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := newMailbox(frame.MaxFrameSize)
	b := newMailbox(frame.MaxFrameSize)
	return &Loopback{inbox: a, peer: b}, &Loopback{inbox: b, peer: a}
}

// Send implements Transport.
func (l *Loopback) Send(f []byte) {
	if l.Drop {
		return
	}
	if l.Corrupt != nil {
		tmp := make([]byte, len(f))
		copy(tmp, f)
		l.Corrupt(tmp)
		l.peer.put(tmp)
		return
	}
	l.peer.put(f)
}

// Recv implements Transport.
func (l *Loopback) Recv(f []byte) int {
	return l.inbox.take(f)
}
