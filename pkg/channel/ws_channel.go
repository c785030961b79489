package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

// WSTransport implements Transport over a WebSocket connection. One binary
// message carries one FSoE PDU. This is the transport for bench setups
// where the device side exposes its black channel through a web gateway.
type WSTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex

	inbox *mailbox

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

// WSTransportConfig configures a WebSocket transport
type WSTransportConfig struct {
	URL           string      // ws:// or wss:// endpoint
	Header        http.Header // Optional headers, e.g. Basic auth
	SkipTLSVerify bool        // Skip certificate verification (wss:// only)
}

// NewWSTransport dials the endpoint and starts the reader.
func NewWSTransport(config WSTransportConfig) (*WSTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	dialer := *websocket.DefaultDialer
	if config.SkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.Dial(config.URL, config.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.URL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	wt := &WSTransport{
		conn:   conn,
		inbox:  newMailbox(frame.MaxFrameSize),
		ctx:    ctx,
		cancel: cancel,
	}

	wt.wg.Add(1)
	go func() {
		defer wt.wg.Done()
		wt.readLoop()
	}()

	return wt, nil
}

// readLoop moves binary messages into the mailbox.
func (wt *WSTransport) readLoop() {
	for wt.ctx.Err() == nil {
		msgType, data, err := wt.conn.ReadMessage()
		if err != nil {
			if wt.ctx.Err() == nil {
				wt.stats.readErrors.Add(1)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		wt.stats.bytesReceived.Add(uint64(len(data)))
		wt.inbox.put(data)
	}
}

// Send implements Transport.
func (wt *WSTransport) Send(f []byte) {
	if wt.closed.Load() {
		return
	}
	wt.writeLock.Lock()
	defer wt.writeLock.Unlock()
	if err := wt.conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
		wt.stats.writeErrors.Add(1)
		return
	}
	wt.stats.bytesSent.Add(uint64(len(f)))
}

// Recv implements Transport.
func (wt *WSTransport) Recv(f []byte) int {
	return wt.inbox.take(f)
}

// Close closes the connection and stops the reader.
func (wt *WSTransport) Close() error {
	if !wt.closed.CompareAndSwap(false, true) {
		return nil
	}
	wt.cancel()
	err := wt.conn.Close()
	wt.wg.Wait()
	return err
}

// Statistics returns transport-level statistics
func (wt *WSTransport) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     wt.stats.bytesSent.Load(),
		BytesReceived: wt.stats.bytesReceived.Load(),
		WriteErrors:   wt.stats.writeErrors.Load(),
		ReadErrors:    wt.stats.readErrors.Load(),
	}
}
