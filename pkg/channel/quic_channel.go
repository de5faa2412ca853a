package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"uavcan/uavcan-go/pkg/can"
)

// QUICChannel implements PhysicalChannel over a QUIC stream, for tunneling
// bus traffic across lossy WAN links where the UDP tunnel would silently
// drop frames. Frames are length-delimited by their own wire header.
type QUICChannel struct {
	connection *quic.Conn
	stream     *quic.Stream
	connLock   sync.RWMutex
	streamLock sync.RWMutex

	address        string
	isServer       bool
	listener       *quic.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// QUICChannelConfig configures a QUIC channel
type QUICChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Read timeout (0 = default)
	WriteTimeout   time.Duration // Write timeout (0 = default)
	TLSConfig      *tls.Config   // Optional; a self-signed cert is generated if nil
}

// NewQUICChannel creates a new QUIC channel
func NewQUICChannel(config QUICChannelConfig) (*QUICChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
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

	qc := &QUICChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		tlsConfig:      tlsConfig,
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := qc.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := qc.connect(); err != nil {
			cancel()
			return nil, err
		}
	}

	return qc, nil
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
		NextProtos:         []string{"uavcan-tunnel"},
		InsecureSkipVerify: true, // Self-signed point-to-point links
	}, nil
}

// startServer starts listening for incoming QUIC connections
func (qc *QUICChannel) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", qc.address, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", qc.address, err)
	}

	listener, err := quic.Listen(udpConn, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	qc.listener = listener

	qc.wg.Add(1)
	go qc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming QUIC connections; a newer peer replaces any
// existing one
func (qc *QUICChannel) acceptLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		default:
		}

		conn, err := qc.listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() {
				return
			}
			continue
		}

		qc.connLock.Lock()
		if qc.connection != nil {
			qc.connection.CloseWithError(0, "new connection")
			qc.stats.disconnects.Add(1)
		}
		qc.connection = conn
		qc.stats.connects.Add(1)
		qc.connLock.Unlock()

		qc.wg.Add(1)
		go qc.acceptStream(conn)
	}
}

// acceptStream accepts the frame stream from the connection
func (qc *QUICChannel) acceptStream(conn *quic.Conn) {
	defer qc.wg.Done()

	stream, err := conn.AcceptStream(qc.ctx)
	if err != nil {
		return
	}

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
	}
	qc.stream = stream
	qc.streamLock.Unlock()
}

// connect establishes a QUIC connection to the remote server
func (qc *QUICChannel) connect() error {
	conn, stream, err := qc.dial()
	if err != nil {
		return err
	}

	qc.connLock.Lock()
	qc.connection = conn
	qc.stats.connects.Add(1)
	qc.connLock.Unlock()

	qc.streamLock.Lock()
	qc.stream = stream
	qc.streamLock.Unlock()

	qc.wg.Add(1)
	go qc.reconnectLoop()

	return nil
}

func (qc *QUICChannel) dial() (*quic.Conn, *quic.Stream, error) {
	localAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve local UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		udpConn.Close()
		return nil, nil, fmt.Errorf("failed to resolve remote address %s: %w", qc.address, err)
	}

	conn, err := quic.Dial(qc.ctx, udpConn, remoteAddr, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", qc.address, err)
	}

	stream, err := conn.OpenStreamSync(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return conn, stream, nil
}

// reconnectLoop re-establishes the client connection when it dies
func (qc *QUICChannel) reconnectLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(1 * time.Second):
			qc.connLock.RLock()
			conn := qc.connection
			qc.connLock.RUnlock()

			if conn != nil && conn.Context().Err() == nil {
				continue
			}

			select {
			case <-qc.ctx.Done():
				return
			case <-time.After(qc.reconnectDelay):
			}

			newConn, stream, err := qc.dial()
			if err != nil {
				continue
			}

			qc.connLock.Lock()
			if qc.connection != nil {
				qc.connection.CloseWithError(0, "reconnecting")
			}
			qc.connection = newConn
			qc.stats.connects.Add(1)
			qc.connLock.Unlock()

			qc.streamLock.Lock()
			if qc.stream != nil {
				qc.stream.Close()
			}
			qc.stream = stream
			qc.streamLock.Unlock()
		}
	}
}

// Read implements PhysicalChannel.Read. Frames are delimited by their own
// 5-byte wire header; the payload length field says how much follows.
func (qc *QUICChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, fmt.Errorf("channel closed")
		default:
		}

		stream := qc.waitForStream(ctx)
		if stream == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				return nil, fmt.Errorf("channel closed")
			}
		}

		if qc.readTimeout > 0 {
			stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
		}

		frame := make([]byte, can.MaxWireLen)
		if _, err := io.ReadFull(stream, frame[:5]); err != nil {
			qc.handleStreamError(err)
			continue
		}

		payloadLen := int(frame[4])
		if payloadLen > can.MaxPayloadLen {
			qc.stats.readErrors.Add(1)
			qc.handleStreamError(fmt.Errorf("oversize payload length %d", payloadLen))
			continue
		}

		if payloadLen > 0 {
			if _, err := io.ReadFull(stream, frame[5:5+payloadLen]); err != nil {
				qc.handleStreamError(err)
				continue
			}
		}

		total := 5 + payloadLen
		qc.stats.bytesReceived.Add(uint64(total))
		return frame[:total], nil
	}
}

// waitForStream blocks until a frame stream exists or the contexts die
func (qc *QUICChannel) waitForStream(ctx context.Context) *quic.Stream {
	for {
		qc.streamLock.RLock()
		stream := qc.stream
		qc.streamLock.RUnlock()

		if stream != nil {
			return stream
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil
		case <-qc.ctx.Done():
			return nil
		}
	}
}

// Write implements PhysicalChannel.Write
func (qc *QUICChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-qc.ctx.Done():
		return fmt.Errorf("channel closed")
	default:
	}

	qc.streamLock.RLock()
	stream := qc.stream
	qc.streamLock.RUnlock()

	if stream == nil {
		qc.stats.writeErrors.Add(1)
		return fmt.Errorf("no stream")
	}

	if qc.writeTimeout > 0 {
		stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}

	if _, err := stream.Write(data); err != nil {
		qc.stats.writeErrors.Add(1)
		qc.handleStreamError(err)
		return err
	}

	qc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// handleStreamError tears down the broken connection; the reconnect loop or
// accept loop brings up the next one
func (qc *QUICChannel) handleStreamError(err error) {
	qc.stats.readErrors.Add(1)

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
	}
	qc.streamLock.Unlock()

	qc.connLock.Lock()
	if qc.connection != nil {
		qc.connection.CloseWithError(0, "stream error")
		qc.stats.disconnects.Add(1)
		qc.connection = nil
	}
	qc.connLock.Unlock()
}

// Close implements PhysicalChannel.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	qc.cancel()

	if qc.listener != nil {
		qc.listener.Close()
	}

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
	}
	qc.streamLock.Unlock()

	qc.connLock.Lock()
	if qc.connection != nil {
		qc.connection.CloseWithError(0, "channel closed")
		qc.stats.disconnects.Add(1)
		qc.connection = nil
	}
	qc.connLock.Unlock()

	qc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     qc.stats.bytesSent.Load(),
		BytesReceived: qc.stats.bytesReceived.Load(),
		WriteErrors:   qc.stats.writeErrors.Load(),
		ReadErrors:    qc.stats.readErrors.Load(),
		Connects:      qc.stats.connects.Load(),
		Disconnects:   qc.stats.disconnects.Load(),
	}
}

// IsConnected returns true if there is an active connection
func (qc *QUICChannel) IsConnected() bool {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.connection != nil && qc.connection.Context().Err() == nil
}
