package channel

import (
	"testing"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

// TestChannel_TransmitAndPoll tests the basic frame round trip through a
// loopback pair
func TestChannel_TransmitAndPoll(t *testing.T) {
	ta, tb := NewLoopbackPair()

	a, err := New(ta, 2, 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(tb, 2, 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if b.Poll() {
		t.Error("Poll reported a frame on an idle channel")
	}

	if _, err := frame.Encode(a.SentFrame(), frame.CmdProcessData, 1, []byte{0x11, 0x22}, 8, 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a.Transmit()

	if !b.Poll() {
		t.Fatal("Poll missed a transmitted frame")
	}
	if !b.Received().Equal(a.SentFrame()) {
		t.Error("received frame differs from sent frame")
	}
	if a.Stats().FramesTx() != 1 || b.Stats().FramesRx() != 1 {
		t.Errorf("stats tx=%d rx=%d, want 1/1", a.Stats().FramesTx(), b.Stats().FramesRx())
	}
}

// TestChannel_DuplicateFiltering tests that a re-delivered frame is
// dropped
func TestChannel_DuplicateFiltering(t *testing.T) {
	ta, tb := NewLoopbackPair()
	a, _ := New(ta, 2, 2)
	b, _ := New(tb, 2, 2)

	if _, err := frame.Encode(a.SentFrame(), frame.CmdProcessData, 1, []byte{0x11, 0x22}, 8, 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a.Transmit()
	if !b.Poll() {
		t.Fatal("first delivery missed")
	}

	// The black channel re-delivers the identical frame.
	a.Transmit()
	if b.Poll() {
		t.Error("duplicate delivery was not filtered")
	}
	if b.Stats().StaleFrames() != 1 {
		t.Errorf("StaleFrames = %d, want 1", b.Stats().StaleFrames())
	}
}

// TestChannel_AsymmetricSizes tests differing send and receive PDU sizes
func TestChannel_AsymmetricSizes(t *testing.T) {
	ta, tb := NewLoopbackPair()
	a, err := New(ta, 4, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(tb, 1, 4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if a.SentFrame().Size() != frame.Size(4) {
		t.Errorf("sent frame size = %d, want %d", a.SentFrame().Size(), frame.Size(4))
	}
	if b.Received().Size() != frame.Size(4) {
		t.Errorf("receive frame size = %d, want %d", b.Received().Size(), frame.Size(4))
	}

	if _, err := frame.Encode(a.SentFrame(), frame.CmdSession, 1, []byte{1, 2, 3, 4}, 0, 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a.Transmit()
	if !b.Poll() {
		t.Fatal("frame with asymmetric sizes not delivered")
	}
}

// TestChannel_RejectsInvalidSizes tests configuration validation
func TestChannel_RejectsInvalidSizes(t *testing.T) {
	ta, _ := NewLoopbackPair()
	for _, size := range []int{0, 3, 127, 128} {
		if _, err := New(ta, size, 2); err == nil {
			t.Errorf("New accepted send data size %d", size)
		}
		if _, err := New(ta, 2, size); err == nil {
			t.Errorf("New accepted receive data size %d", size)
		}
	}
}

// TestLoopback_DropAndCorrupt tests the fault injection hooks
func TestLoopback_DropAndCorrupt(t *testing.T) {
	ta, tb := NewLoopbackPair()
	a, _ := New(ta, 2, 2)
	b, _ := New(tb, 2, 2)

	ta.Drop = true
	if _, err := frame.Encode(a.SentFrame(), frame.CmdProcessData, 1, []byte{1, 2}, 8, 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a.Transmit()
	if b.Poll() {
		t.Error("dropped frame was delivered")
	}

	ta.Drop = false
	ta.Corrupt = func(f []byte) { f[1] ^= 0x01 }
	a.Transmit()
	if !b.Poll() {
		t.Fatal("corrupted frame was not delivered")
	}
	if b.Received().Equal(a.SentFrame()) {
		t.Error("corruption hook did not mutate the frame")
	}
}

// TestTransportFunc tests the function adapter
func TestTransportFunc(t *testing.T) {
	var sent []byte
	tr := TransportFunc{
		SendFn: func(f []byte) { sent = append([]byte(nil), f...) },
		RecvFn: func(f []byte) int { return copy(f, sent) },
	}

	tr.Send([]byte{1, 2, 3})
	buf := make([]byte, 3)
	if n := tr.Recv(buf); n != 3 {
		t.Errorf("Recv = %d, want 3", n)
	}

	empty := TransportFunc{}
	empty.Send([]byte{1})
	if n := empty.Recv(buf); n != 0 {
		t.Errorf("empty adapter Recv = %d, want 0", n)
	}
}
