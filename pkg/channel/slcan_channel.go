package channel

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"uavcan/uavcan-go/pkg/can"
)

// SLCANChannel implements PhysicalChannel over a Lawicel SLCAN serial
// adapter (CANUSB and compatibles). Only extended-ID data frames ("T") are
// used; everything else the adapter prints is skipped.
type SLCANChannel struct {
	port     serial.Port
	portLock sync.Mutex

	device  string
	pending []byte // Unparsed serial input carried between reads

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	closed atomic.Bool
}

// SLCANChannelConfig configures an SLCAN serial channel
type SLCANChannelConfig struct {
	Device   string // Serial device path, e.g. /dev/ttyUSB0
	BaudRate int    // Serial baud rate (0 = 115200)
}

// NewSLCANChannel opens the serial device and puts the adapter on the bus
func NewSLCANChannel(config SLCANChannelConfig) (*SLCANChannel, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("device is required")
	}
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(config.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Device, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	sc := &SLCANChannel{
		port:   port,
		device: config.Device,
	}

	// Open the adapter's CAN side
	if _, err := port.Write([]byte("O\r")); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to open adapter: %w", err)
	}
	sc.stats.connects.Add(1)

	return sc, nil
}

// Read implements PhysicalChannel.Read. Serial input is buffered and cut on
// carriage returns; non-frame lines are skipped.
func (sc *SLCANChannel) Read(ctx context.Context) ([]byte, error) {
	chunk := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if sc.closed.Load() {
			return nil, fmt.Errorf("channel closed")
		}

		// Drain complete lines already buffered
		for {
			cr := bytes.IndexByte(sc.pending, '\r')
			if cr < 0 {
				break
			}
			line := string(sc.pending[:cr])
			sc.pending = sc.pending[cr+1:]

			frame, err := DecodeSLCAN(line)
			if err != nil {
				sc.stats.readErrors.Add(1)
				continue
			}
			if frame == nil {
				continue // Not a frame line
			}

			wire, err := frame.Serialize()
			if err != nil {
				sc.stats.readErrors.Add(1)
				continue
			}
			sc.stats.bytesReceived.Add(uint64(len(wire)))
			return wire, nil
		}

		n, err := sc.port.Read(chunk)
		if err != nil {
			if sc.closed.Load() {
				return nil, fmt.Errorf("channel closed")
			}
			sc.stats.readErrors.Add(1)
			return nil, err
		}
		sc.pending = append(sc.pending, chunk[:n]...)
	}
}

// Write implements PhysicalChannel.Write, translating the tunnel wire form
// into an SLCAN command
func (sc *SLCANChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sc.closed.Load() {
		return fmt.Errorf("channel closed")
	}

	frame, err := can.Parse(data)
	if err != nil {
		sc.stats.writeErrors.Add(1)
		return fmt.Errorf("unencodable frame: %w", err)
	}

	line := EncodeSLCAN(frame)

	sc.portLock.Lock()
	_, err = sc.port.Write([]byte(line))
	sc.portLock.Unlock()
	if err != nil {
		sc.stats.writeErrors.Add(1)
		return err
	}

	sc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (sc *SLCANChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	sc.portLock.Lock()
	defer sc.portLock.Unlock()

	// Best effort: take the adapter off the bus before hanging up
	sc.port.Write([]byte("C\r"))
	sc.stats.disconnects.Add(1)
	return sc.port.Close()
}

// Statistics implements PhysicalChannel.Statistics
func (sc *SLCANChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     sc.stats.bytesSent.Load(),
		BytesReceived: sc.stats.bytesReceived.Load(),
		WriteErrors:   sc.stats.writeErrors.Load(),
		ReadErrors:    sc.stats.readErrors.Load(),
		Connects:      sc.stats.connects.Load(),
		Disconnects:   sc.stats.disconnects.Load(),
	}
}

// EncodeSLCAN renders a frame as an extended-ID SLCAN transmit command:
// 'T', 8 hex ID digits, 1 DLC digit, hex data, '\r'
func EncodeSLCAN(frame *can.Frame) string {
	var b strings.Builder
	b.WriteByte('T')
	fmt.Fprintf(&b, "%08X", frame.ID())
	b.WriteByte('0' + byte(len(frame.Payload)))
	b.WriteString(strings.ToUpper(hex.EncodeToString(frame.Payload)))
	b.WriteByte('\r')
	return b.String()
}

// DecodeSLCAN parses one SLCAN line (without the trailing '\r'). Returns
// (nil, nil) for lines that are not extended data frames, such as command
// acknowledgements and status reports.
func DecodeSLCAN(line string) (*can.Frame, error) {
	if len(line) == 0 || line[0] != 'T' {
		return nil, nil
	}
	if len(line) < 10 {
		return nil, fmt.Errorf("truncated SLCAN frame %q", line)
	}

	var id uint32
	if _, err := fmt.Sscanf(line[1:9], "%08X", &id); err != nil {
		return nil, fmt.Errorf("bad SLCAN ID in %q: %w", line, err)
	}

	dlc := int(line[9] - '0')
	if dlc < 0 || dlc > can.MaxPayloadLen {
		return nil, fmt.Errorf("bad SLCAN DLC in %q", line)
	}
	if len(line) != 10+2*dlc {
		return nil, fmt.Errorf("SLCAN length mismatch in %q", line)
	}

	payload, err := hex.DecodeString(line[10:])
	if err != nil {
		return nil, fmt.Errorf("bad SLCAN data in %q: %w", line, err)
	}

	return can.FromID(id, payload)
}
