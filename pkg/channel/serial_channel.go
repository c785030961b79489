package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

// SerialTransport implements Transport over a serial port. FSoE PDUs have
// a fixed size known to both ends, so the reader accumulates exactly
// frameSize bytes per PDU with no extra framing. A safety gateway wired
// over RS-485 is the classic deployment for this transport.
type SerialTransport struct {
	port      serial.Port
	frameSize int

	inbox *mailbox

	writeLock sync.Mutex

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// SerialTransportConfig configures a serial transport
type SerialTransportConfig struct {
	Port      string // Device path, e.g. /dev/ttyUSB0
	BaudRate  int    // Defaults to 115200
	FrameSize int    // Incoming PDU size in bytes
}

// NewSerialTransport opens the port and starts the reader.
func NewSerialTransport(config SerialTransportConfig) (*SerialTransport, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}
	if config.FrameSize < frame.MinFrameSize || config.FrameSize > frame.MaxFrameSize {
		return nil, fmt.Errorf("frame size %d out of range", config.FrameSize)
	}
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	st := &SerialTransport{
		port:      port,
		frameSize: config.FrameSize,
		inbox:     newMailbox(frame.MaxFrameSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		st.readLoop()
	}()

	return st, nil
}

// readLoop accumulates whole PDUs and posts them to the mailbox.
func (st *SerialTransport) readLoop() {
	buf := make([]byte, st.frameSize)
	fill := 0
	for st.ctx.Err() == nil {
		n, err := st.port.Read(buf[fill:])
		if err != nil {
			if st.ctx.Err() == nil {
				st.stats.readErrors.Add(1)
			}
			return
		}
		st.stats.bytesReceived.Add(uint64(n))
		fill += n
		if fill == st.frameSize {
			st.inbox.put(buf)
			fill = 0
		}
	}
}

// Send implements Transport.
func (st *SerialTransport) Send(f []byte) {
	if st.closed.Load() {
		return
	}
	st.writeLock.Lock()
	defer st.writeLock.Unlock()
	n, err := st.port.Write(f)
	if err != nil {
		st.stats.writeErrors.Add(1)
		return
	}
	st.stats.bytesSent.Add(uint64(n))
}

// Recv implements Transport.
func (st *SerialTransport) Recv(f []byte) int {
	return st.inbox.take(f)
}

// Close closes the port and stops the reader.
func (st *SerialTransport) Close() error {
	if !st.closed.CompareAndSwap(false, true) {
		return nil
	}
	st.cancel()
	err := st.port.Close()
	st.wg.Wait()
	return err
}

// Statistics returns transport-level statistics
func (st *SerialTransport) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     st.stats.bytesSent.Load(),
		BytesReceived: st.stats.bytesReceived.Load(),
		WriteErrors:   st.stats.writeErrors.Load(),
		ReadErrors:    st.stats.readErrors.Load(),
	}
}
