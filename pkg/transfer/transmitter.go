package transfer

import (
	"errors"
	"sync"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/internal/queue"
	"uavcan/uavcan-go/pkg/types"
)

var (
	ErrTransferTooLong = errors.New("payload exceeds maximum transfer length")
	ErrInvalidNodeID   = errors.New("invalid local node ID")
)

// MaxTransferPayload is the longest payload a multi-frame transfer can
// carry: 64 frames of 8 bytes, minus the 2-byte CRC header
const MaxTransferPayload = (int(can.IndexMax)+1)*can.MaxPayloadLen - crcHeaderLen

// txKey separates transfer ID counters per outgoing stream
type txKey struct {
	kind types.TransferKind
	dtid types.DataTypeID
}

// Transmitter segments outgoing payloads into frames and stages them in bus
// arbitration order. Each (kind, data type) stream keeps its own wraparound
// transfer ID counter, advanced once per transfer, which is what receivers
// on the far side key their duplicate detection on.
type Transmitter struct {
	source types.NodeID
	tids   map[txKey]ID
	queue  *queue.FrameQueue
	mu     sync.Mutex
}

// NewTransmitter creates a transmitter sending as the given node
func NewTransmitter(source types.NodeID) (*Transmitter, error) {
	if !source.IsValid() {
		return nil, ErrInvalidNodeID
	}
	return &Transmitter{
		source: source,
		tids:   make(map[txKey]ID),
		queue:  queue.NewFrameQueue(),
	}, nil
}

// Source returns the local node ID frames are sent as
func (t *Transmitter) Source() types.NodeID {
	return t.source
}

// Pending returns the number of staged frames
func (t *Transmitter) Pending() int {
	return t.queue.Len()
}

// Pop returns the next frame to put on the bus, or nil
func (t *Transmitter) Pop(now types.MonotonicTime) *can.Frame {
	return t.queue.Pop(now)
}

// Broadcast stages a message transfer. Frames not sent by the deadline are
// dropped at pop time; a zero deadline never expires.
func (t *Transmitter) Broadcast(dtid types.DataTypeID, payload []byte, deadline types.MonotonicTime) error {
	return t.push(types.KindMessageBroadcast, dtid, payload, deadline)
}

// Request stages a service request transfer
func (t *Transmitter) Request(dtid types.DataTypeID, payload []byte, deadline types.MonotonicTime) error {
	return t.push(types.KindServiceRequest, dtid, payload, deadline)
}

// Respond stages a service response transfer
func (t *Transmitter) Respond(dtid types.DataTypeID, payload []byte, deadline types.MonotonicTime) error {
	return t.push(types.KindServiceResponse, dtid, payload, deadline)
}

func (t *Transmitter) nextTID(kind types.TransferKind, dtid types.DataTypeID) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := txKey{kind: kind, dtid: dtid}
	tid := t.tids[key]
	t.tids[key] = tid.Increment()
	return tid
}

func (t *Transmitter) push(kind types.TransferKind, dtid types.DataTypeID,
	payload []byte, deadline types.MonotonicTime) error {
	if len(payload) > MaxTransferPayload {
		return ErrTransferTooLong
	}

	tid := t.nextTID(kind, dtid)

	for _, frame := range Segment(kind, dtid, t.source, tid, payload) {
		t.queue.Push(frame, deadline)
	}
	return nil
}

// Segment splits a payload into wire frames. A payload that fits one CAN
// data field becomes a single frame with no CRC header; anything longer gets
// the transfer CRC in the first two bytes of the first frame.
func Segment(kind types.TransferKind, dtid types.DataTypeID, src types.NodeID,
	tid ID, payload []byte) []*can.Frame {
	if len(payload) <= can.MaxPayloadLen {
		data := make([]byte, len(payload))
		copy(data, payload)
		return []*can.Frame{
			can.NewFrame(dtid, kind, src, 0, true, uint8(tid), data),
		}
	}

	crc := can.TransferCRC(payload)

	// Prefix the CRC header, then cut into CAN-sized chunks
	full := make([]byte, 0, crcHeaderLen+len(payload))
	full = append(full, byte(crc), byte(crc>>8))
	full = append(full, payload...)

	var frames []*can.Frame
	index := uint8(0)
	for offset := 0; offset < len(full); {
		end := offset + can.MaxPayloadLen
		if end > len(full) {
			end = len(full)
		}
		frames = append(frames, can.NewFrame(dtid, kind, src, index,
			end == len(full), uint8(tid), full[offset:end]))
		offset = end
		index++
	}
	return frames
}
