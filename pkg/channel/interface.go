package channel

// Transport is the black channel as seen by the FSoE core.
//
// The underlying medium is presumed capable of loss, duplication,
// reordering and corruption; all safety guarantees come from the CRC and
// sequence checks in the state machines, never from the transport.
// This is THE KEY INTERFACE that enables pluggable transports.
type Transport interface {
	// Send makes a best-effort attempt to transmit one complete FSoE PDU.
	// It must not block and its outcome is deliberately not reported; a
	// lost frame surfaces as a watchdog timeout or CRC failure.
	Send(frame []byte)

	// Recv fills frame with the most recently delivered PDU and returns
	// the number of bytes filled: len(frame) when a frame is present, 0
	// when nothing arrived this cycle. It must not block. Returning the
	// same frame twice is allowed; the caller filters duplicates.
	Recv(frame []byte) int
}

// TransportFunc adapts a pair of functions to the Transport interface,
// for integrators that bridge frames into an existing cyclic I/O loop.
type TransportFunc struct {
	SendFn func(frame []byte)
	RecvFn func(frame []byte) int
}

// Send implements Transport.
func (t TransportFunc) Send(frame []byte) {
	if t.SendFn != nil {
		t.SendFn(frame)
	}
}

// Recv implements Transport.
func (t TransportFunc) Recv(frame []byte) int {
	if t.RecvFn != nil {
		return t.RecvFn(frame)
	}
	return 0
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of connections (for connection-oriented transports)
	Disconnects   uint64 // Number of disconnections
}
