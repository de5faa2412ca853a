package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"uavcan/uavcan-go/pkg/can"
)

// UDPChannel implements PhysicalChannel over UDP datagrams, one encoded
// frame per datagram. Useful both for CAN-over-IP tunnels between gateways
// and for loopback testing without hardware.
type UDPChannel struct {
	conn     *net.UDPConn
	connLock sync.RWMutex

	address      string
	isServer     bool
	remoteAddr   *net.UDPAddr // client mode: where to send
	lastPeerAddr *net.UDPAddr // server mode: last peer seen
	peerLock     sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration

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
	closed atomic.Bool
}

// UDPChannelConfig configures a UDP channel
type UDPChannelConfig struct {
	Address      string        // "host:port" format
	IsServer     bool          // true = bind and listen, false = send to remote
	ReadTimeout  time.Duration // Read timeout (0 = default)
	WriteTimeout time.Duration // Write timeout (0 = default)
}

// NewUDPChannel creates a new UDP channel
func NewUDPChannel(config UDPChannelConfig) (*UDPChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	uc := &UDPChannel{
		address:      config.Address,
		isServer:     config.IsServer,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := uc.initialize(); err != nil {
		cancel()
		return nil, err
	}
	return uc, nil
}

func (uc *UDPChannel) initialize() error {
	addr, err := net.ResolveUDPAddr("udp", uc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", uc.address, err)
	}

	if uc.isServer {
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", uc.address, err)
		}
		uc.conn = conn
	} else {
		uc.remoteAddr = addr

		localAddr, err := net.ResolveUDPAddr("udp", ":0")
		if err != nil {
			return fmt.Errorf("failed to resolve local UDP address: %w", err)
		}
		conn, err := net.ListenUDP("udp", localAddr)
		if err != nil {
			return fmt.Errorf("failed to create UDP connection: %w", err)
		}
		uc.conn = conn
	}

	uc.stats.connects.Add(1)
	return nil
}

// Read implements PhysicalChannel.Read
func (uc *UDPChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-uc.ctx.Done():
			return nil, fmt.Errorf("channel closed")
		default:
		}

		uc.connLock.RLock()
		conn := uc.conn
		uc.connLock.RUnlock()

		if conn == nil {
			return nil, fmt.Errorf("no connection")
		}

		if uc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(uc.readTimeout))
		}

		buffer := make([]byte, can.MaxWireLen)
		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if uc.closed.Load() {
				return nil, fmt.Errorf("channel closed")
			}
			uc.stats.readErrors.Add(1)
			return nil, err
		}

		if uc.isServer && remoteAddr != nil {
			uc.peerLock.Lock()
			uc.lastPeerAddr = remoteAddr
			uc.peerLock.Unlock()
		}

		// Anything shorter than a frame header is noise
		if n < 5 {
			uc.stats.readErrors.Add(1)
			continue
		}

		uc.stats.bytesReceived.Add(uint64(n))
		return buffer[:n], nil
	}
}

// Write implements PhysicalChannel.Write
func (uc *UDPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-uc.ctx.Done():
		return fmt.Errorf("channel closed")
	default:
	}

	uc.connLock.RLock()
	conn := uc.conn
	uc.connLock.RUnlock()

	if conn == nil {
		uc.stats.writeErrors.Add(1)
		return fmt.Errorf("no connection")
	}

	var destAddr *net.UDPAddr
	if uc.isServer {
		uc.peerLock.RLock()
		destAddr = uc.lastPeerAddr
		uc.peerLock.RUnlock()

		if destAddr == nil {
			uc.stats.writeErrors.Add(1)
			return fmt.Errorf("no peer address available (no data received yet)")
		}
	} else {
		destAddr = uc.remoteAddr
	}

	if uc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(uc.writeTimeout))
	}

	_, err := conn.WriteToUDP(data, destAddr)
	if err != nil {
		uc.stats.writeErrors.Add(1)
		return err
	}

	uc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (uc *UDPChannel) Close() error {
	if !uc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	uc.cancel()

	uc.connLock.Lock()
	if uc.conn != nil {
		uc.conn.Close()
		uc.stats.disconnects.Add(1)
		uc.conn = nil
	}
	uc.connLock.Unlock()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (uc *UDPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     uc.stats.bytesSent.Load(),
		BytesReceived: uc.stats.bytesReceived.Load(),
		WriteErrors:   uc.stats.writeErrors.Load(),
		ReadErrors:    uc.stats.readErrors.Load(),
		Connects:      uc.stats.connects.Load(),
		Disconnects:   uc.stats.disconnects.Load(),
	}
}

// LocalAddr returns the local address of the connection
func (uc *UDPChannel) LocalAddr() net.Addr {
	uc.connLock.RLock()
	defer uc.connLock.RUnlock()
	if uc.conn != nil {
		return uc.conn.LocalAddr()
	}
	return nil
}
