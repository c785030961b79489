package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/mhalvors/fsoe-go/pkg/frame"
)

// QUICTransport implements Transport over QUIC datagrams. One DATAGRAM
// frame carries one FSoE PDU; QUIC datagrams are unreliable and unordered,
// which matches the black-channel contract exactly, while the connection
// gives the integrator encryption and NAT traversal for free.
type QUICTransport struct {
	// Connection
	connection *quic.Conn
	connLock   sync.RWMutex

	// Configuration
	address        string
	isServer       bool
	listener       *quic.Listener
	reconnectDelay time.Duration
	tlsConfig      *tls.Config

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

// QUICTransportConfig configures a QUIC transport
type QUICTransportConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	TLSConfig      *tls.Config   // Optional TLS config (if nil, will generate self-signed cert)
}

// NewQUICTransport creates a new QUIC transport
func NewQUICTransport(config QUICTransportConfig) (*QUICTransport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	qt := &QUICTransport{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		tlsConfig:      tlsConfig,
		inbox:          newMailbox(frame.MaxFrameSize),
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := qt.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := qt.connect(); err != nil {
			cancel()
			return nil, err
		}
	}

	return qt, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{"fsoe-quic"},
		InsecureSkipVerify: true, // For self-signed certs
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

// startServer starts listening for incoming QUIC connections
func (qt *QUICTransport) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qt.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", qt.address, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", qt.address, err)
	}

	listener, err := quic.Listen(udpConn, qt.tlsConfig, quicConfig())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	qt.listener = listener

	qt.wg.Add(1)
	go qt.acceptLoop()

	return nil
}

// acceptLoop accepts incoming QUIC connections
func (qt *QUICTransport) acceptLoop() {
	defer qt.wg.Done()

	for {
		select {
		case <-qt.ctx.Done():
			return
		default:
		}

		conn, err := qt.listener.Accept(qt.ctx)
		if err != nil {
			if qt.closed.Load() || qt.ctx.Err() != nil {
				return
			}
			continue
		}

		qt.connLock.Lock()
		if qt.connection != nil {
			qt.connection.CloseWithError(0, "new connection")
			qt.stats.disconnects.Add(1)
		}
		qt.connection = conn
		qt.stats.connects.Add(1)
		qt.connLock.Unlock()

		qt.wg.Add(1)
		go qt.receiveLoop(conn)
	}
}

// connect establishes a QUIC connection to the remote server
func (qt *QUICTransport) connect() error {
	udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to resolve local UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", qt.address)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to resolve remote address %s: %w", qt.address, err)
	}

	conn, err := quic.Dial(qt.ctx, udpConn, remoteAddr, qt.tlsConfig, quicConfig())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to connect to %s: %w", qt.address, err)
	}

	qt.connLock.Lock()
	qt.connection = conn
	qt.stats.connects.Add(1)
	qt.connLock.Unlock()

	qt.wg.Add(1)
	go qt.receiveLoop(conn)

	qt.wg.Add(1)
	go qt.reconnectLoop()

	return nil
}

// receiveLoop moves incoming datagrams into the mailbox until the
// connection dies.
func (qt *QUICTransport) receiveLoop(conn *quic.Conn) {
	defer qt.wg.Done()

	for {
		data, err := conn.ReceiveDatagram(qt.ctx)
		if err != nil {
			if qt.ctx.Err() == nil {
				qt.stats.readErrors.Add(1)
			}
			return
		}
		qt.stats.bytesReceived.Add(uint64(len(data)))
		qt.inbox.put(data)
	}
}

// reconnectLoop re-dials a dead client connection.
func (qt *QUICTransport) reconnectLoop() {
	defer qt.wg.Done()

	for {
		select {
		case <-qt.ctx.Done():
			return
		case <-time.After(time.Second):
		}

		qt.connLock.RLock()
		conn := qt.connection
		qt.connLock.RUnlock()

		if conn != nil && conn.Context().Err() == nil {
			continue
		}

		qt.stats.disconnects.Add(1)

		select {
		case <-qt.ctx.Done():
			return
		case <-time.After(qt.reconnectDelay):
		}

		udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
		if err != nil {
			continue
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			continue
		}
		remoteAddr, err := net.ResolveUDPAddr("udp", qt.address)
		if err != nil {
			udpConn.Close()
			continue
		}
		newConn, err := quic.Dial(qt.ctx, udpConn, remoteAddr, qt.tlsConfig, quicConfig())
		if err != nil {
			udpConn.Close()
			continue
		}

		qt.connLock.Lock()
		qt.connection = newConn
		qt.stats.connects.Add(1)
		qt.connLock.Unlock()

		qt.wg.Add(1)
		go qt.receiveLoop(newConn)
	}
}

// Send implements Transport.
func (qt *QUICTransport) Send(f []byte) {
	if qt.closed.Load() {
		return
	}

	qt.connLock.RLock()
	conn := qt.connection
	qt.connLock.RUnlock()

	if conn == nil {
		qt.stats.writeErrors.Add(1)
		return
	}

	if err := conn.SendDatagram(f); err != nil {
		qt.stats.writeErrors.Add(1)
		return
	}
	qt.stats.bytesSent.Add(uint64(len(f)))
}

// Recv implements Transport.
func (qt *QUICTransport) Recv(f []byte) int {
	return qt.inbox.take(f)
}

// Close shuts the transport down.
func (qt *QUICTransport) Close() error {
	if !qt.closed.CompareAndSwap(false, true) {
		return nil
	}
	qt.cancel()

	qt.connLock.Lock()
	if qt.connection != nil {
		qt.connection.CloseWithError(0, "transport closed")
		qt.connection = nil
	}
	qt.connLock.Unlock()

	var err error
	if qt.listener != nil {
		err = qt.listener.Close()
	}
	qt.wg.Wait()
	qt.stats.disconnects.Add(1)
	return err
}

// Statistics returns transport-level statistics
func (qt *QUICTransport) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     qt.stats.bytesSent.Load(),
		BytesReceived: qt.stats.bytesReceived.Load(),
		WriteErrors:   qt.stats.writeErrors.Load(),
		ReadErrors:    qt.stats.readErrors.Load(),
		Connects:      qt.stats.connects.Load(),
		Disconnects:   qt.stats.disconnects.Load(),
	}
}
