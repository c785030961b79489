package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

// UDPTransport implements Transport for UDP connections. Each datagram
// carries exactly one FSoE PDU. UDP is a fitting black channel: it loses,
// duplicates and reorders, and the safety layer is designed to not care.
type UDPTransport struct {
	// Connection
	conn     *net.UDPConn
	connLock sync.RWMutex

	// Configuration
	address      string
	isServer     bool
	remoteAddr   *net.UDPAddr // Used for client mode to know where to send
	lastPeerAddr *net.UDPAddr // Used for server mode to remember last peer
	peerLock     sync.RWMutex

	inbox *mailbox

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// UDPTransportConfig configures a UDP transport
type UDPTransportConfig struct {
	Address  string // "host:port" format
	IsServer bool   // true = bind and listen, false = bind and send to remote
}

// NewUDPTransport creates a new UDP transport
func NewUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	ut := &UDPTransport{
		address:  config.Address,
		isServer: config.IsServer,
		inbox:    newMailbox(frame.MaxFrameSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := ut.initialize(); err != nil {
		cancel()
		return nil, err
	}

	ut.wg.Add(1)
	go func() {
		defer ut.wg.Done()
		ut.readLoop()
	}()

	return ut, nil
}

// initialize sets up the UDP connection
func (ut *UDPTransport) initialize() error {
	addr, err := net.ResolveUDPAddr("udp", ut.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", ut.address, err)
	}

	if ut.isServer {
		// Server mode: bind to local address to receive from any client
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ut.address, err)
		}
		ut.conn = conn
	} else {
		// Client mode: bind to any local address and remember remote address
		ut.remoteAddr = addr

		localAddr, err := net.ResolveUDPAddr("udp", ":0")
		if err != nil {
			return fmt.Errorf("failed to resolve local UDP address: %w", err)
		}

		conn, err := net.ListenUDP("udp", localAddr)
		if err != nil {
			return fmt.Errorf("failed to create UDP connection: %w", err)
		}
		ut.conn = conn
	}

	ut.stats.connects.Add(1)
	return nil
}

// readLoop moves datagrams into the mailbox until the transport closes.
func (ut *UDPTransport) readLoop() {
	buf := make([]byte, frame.MaxFrameSize+1)
	for ut.ctx.Err() == nil {
		n, peer, err := ut.conn.ReadFromUDP(buf)
		if err != nil {
			if ut.ctx.Err() == nil {
				ut.stats.readErrors.Add(1)
			}
			return
		}
		if ut.isServer && peer != nil {
			ut.peerLock.Lock()
			ut.lastPeerAddr = peer
			ut.peerLock.Unlock()
		}
		ut.stats.bytesReceived.Add(uint64(n))
		ut.inbox.put(buf[:n])
	}
}

// Send implements Transport. The datagram write is fire-and-forget.
func (ut *UDPTransport) Send(f []byte) {
	if ut.closed.Load() {
		return
	}

	var dst *net.UDPAddr
	if ut.isServer {
		ut.peerLock.RLock()
		dst = ut.lastPeerAddr
		ut.peerLock.RUnlock()
		if dst == nil {
			// No client has talked to us yet; nowhere to send.
			ut.stats.writeErrors.Add(1)
			return
		}
	} else {
		dst = ut.remoteAddr
	}

	n, err := ut.conn.WriteToUDP(f, dst)
	if err != nil {
		ut.stats.writeErrors.Add(1)
		return
	}
	ut.stats.bytesSent.Add(uint64(n))
}

// Recv implements Transport.
func (ut *UDPTransport) Recv(f []byte) int {
	return ut.inbox.take(f)
}

// Close shuts the transport down and unblocks the reader.
func (ut *UDPTransport) Close() error {
	if !ut.closed.CompareAndSwap(false, true) {
		return nil
	}
	ut.cancel()
	err := ut.conn.Close()
	ut.wg.Wait()
	ut.stats.disconnects.Add(1)
	return err
}

// Statistics returns transport-level statistics
func (ut *UDPTransport) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     ut.stats.bytesSent.Load(),
		BytesReceived: ut.stats.bytesReceived.Load(),
		WriteErrors:   ut.stats.writeErrors.Load(),
		ReadErrors:    ut.stats.readErrors.Load(),
		Connects:      ut.stats.connects.Load(),
		Disconnects:   ut.stats.disconnects.Load(),
	}
}
