package channel

import (
	"errors"
	"sync/atomic"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

var ErrMismatchedSizes = errors.New("channel frame sizes are invalid")

// Channel couples a state machine to a Transport and owns the three frame
// buffers of the connection: the frame being received, the last accepted
// frame and the frame being sent.
//
// The last-received copy is what filters black-channel re-deliveries: a
// frame byte-identical to the previously accepted one is old data, not a
// new protocol event, and is dropped before the state machine sees it.
type Channel struct {
	transport Transport

	received     *frame.Frame
	lastReceived *frame.Frame
	sent         *frame.Frame

	stats Statistics
}

// Statistics tracks channel-level frame counters.
type Statistics struct {
	framesTx    atomic.Uint64
	framesRx    atomic.Uint64
	staleFrames atomic.Uint64
}

// FramesTx returns the number of transmitted frames.
func (s *Statistics) FramesTx() uint64 { return s.framesTx.Load() }

// FramesRx returns the number of newly received frames.
func (s *Statistics) FramesRx() uint64 { return s.framesRx.Load() }

// StaleFrames returns the number of dropped duplicate deliveries.
func (s *Statistics) StaleFrames() uint64 { return s.staleFrames.Load() }

// New creates a channel. sendDataSize is the data size of outgoing PDUs,
// recvDataSize of incoming ones; master and slave directions may differ.
func New(t Transport, sendDataSize, recvDataSize int) (*Channel, error) {
	if !frame.ValidDataSize(sendDataSize) || !frame.ValidDataSize(recvDataSize) {
		return nil, ErrMismatchedSizes
	}
	received, err := frame.New(recvDataSize)
	if err != nil {
		return nil, err
	}
	lastReceived, err := frame.New(recvDataSize)
	if err != nil {
		return nil, err
	}
	sent, err := frame.New(sendDataSize)
	if err != nil {
		return nil, err
	}
	return &Channel{
		transport:    t,
		received:     received,
		lastReceived: lastReceived,
		sent:         sent,
	}, nil
}

// SentFrame returns the buffer the state machine encodes outgoing PDUs
// into. Transmit sends its current content.
func (c *Channel) SentFrame() *frame.Frame {
	return c.sent
}

// Received returns the most recently accepted incoming PDU. Only valid
// after Poll returned true.
func (c *Channel) Received() *frame.Frame {
	return c.received
}

// Transmit hands the sent-frame buffer to the transport.
func (c *Channel) Transmit() {
	c.transport.Send(c.sent.Bytes())
	c.stats.framesTx.Add(1)
}

// Poll asks the transport for a frame and reports whether a new one is
// available in Received. Re-delivered frames identical to the last
// accepted one are dropped here.
func (c *Channel) Poll() bool {
	n := c.transport.Recv(c.received.Bytes())
	if n != c.received.Size() {
		return false
	}
	if c.received.Equal(c.lastReceived) {
		c.stats.staleFrames.Add(1)
		return false
	}
	c.lastReceived.CopyFrom(c.received)
	c.stats.framesRx.Add(1)
	return true
}

// Reset clears the in-flight frame buffers. The last-received copy is
// kept on purpose: a transport that keeps re-delivering the final frame
// of a torn-down session must still be filtered after the reset.
func (c *Channel) Reset() {
	c.received.Clear()
	c.sent.Clear()
}

// Stats returns the channel statistics.
func (c *Channel) Stats() *Statistics {
	return &c.stats
}
