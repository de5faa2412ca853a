package can

import (
	"encoding/binary"
	"errors"
	"fmt"

	"uavcan/uavcan-go/pkg/types"
)

var (
	ErrPayloadTooLong = errors.New("payload exceeds CAN data field")
	ErrFrameTooShort  = errors.New("frame too short")
	ErrFrameTruncated = errors.New("frame payload truncated")
	ErrInvalidID      = errors.New("reserved bits set in frame ID")
	ErrInvalidSource  = errors.New("invalid source node ID")
	ErrInvalidKind    = errors.New("reserved transfer kind")
)

// Frame represents one CAN 2.0B frame of a transfer. Sequencing metadata
// lives in the extended 29-bit ID; the payload carries up to 8 bytes of the
// transfer, with the first frame of a multi-frame transfer spending its first
// two payload bytes on the transfer CRC.
type Frame struct {
	DataTypeID types.DataTypeID   // Application data type (10 bits)
	Kind       types.TransferKind // Broadcast / service request / response (2 bits)
	Source     types.NodeID       // Originating node (7 bits)
	Index      uint8              // Frame index within the transfer (6 bits)
	Last       bool               // Set on the final frame of the transfer
	TransferID uint8              // Wraparound transfer counter (3 bits)
	Payload    []byte             // 0..8 bytes
}

// NewFrame creates a frame with the given sequencing fields
func NewFrame(dtid types.DataTypeID, kind types.TransferKind, src types.NodeID,
	index uint8, last bool, tid uint8, payload []byte) *Frame {
	return &Frame{
		DataTypeID: dtid,
		Kind:       kind,
		Source:     src,
		Index:      index,
		Last:       last,
		TransferID: tid & TransferIDMax,
		Payload:    payload,
	}
}

// IsFirst reports whether this is the first frame of its transfer
func (f *Frame) IsFirst() bool {
	return f.Index == 0
}

// IsLast reports whether this is the final frame of its transfer
func (f *Frame) IsLast() bool {
	return f.Last
}

// ID packs the sequencing fields into the 29-bit extended CAN ID
func (f *Frame) ID() uint32 {
	id := uint32(f.TransferID) & idTransferIDMask
	if f.Last {
		id |= 1 << idLastFrameShift
	}
	id |= (uint32(f.Index) & idFrameIndexMask) << idFrameIndexShift
	id |= (uint32(f.Source) & idSourceMask) << idSourceShift
	id |= (uint32(f.Kind) & idKindMask) << idKindShift
	id |= (uint32(f.DataTypeID) & idDataTypeMask) << idDataTypeShift
	return id
}

// FromID unpacks a 29-bit extended CAN ID into sequencing fields
func FromID(id uint32, payload []byte) (*Frame, error) {
	if id&^IDMask != 0 {
		return nil, ErrInvalidID
	}
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLong
	}

	frame := &Frame{
		DataTypeID: types.DataTypeID((id >> idDataTypeShift) & idDataTypeMask),
		Kind:       types.TransferKind((id >> idKindShift) & idKindMask),
		Source:     types.NodeID((id >> idSourceShift) & idSourceMask),
		Index:      uint8((id >> idFrameIndexShift) & idFrameIndexMask),
		Last:       (id>>idLastFrameShift)&1 != 0,
		TransferID: uint8(id & idTransferIDMask),
		Payload:    payload,
	}

	if !frame.Source.IsValid() {
		return nil, ErrInvalidSource
	}
	if !frame.Kind.IsValid() {
		return nil, ErrInvalidKind
	}
	return frame, nil
}

// Serialize converts the frame to the tunnel wire format:
// 4-byte big-endian ID word, 1-byte payload length, payload
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLong
	}

	result := make([]byte, wireHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(result[0:4], f.ID())
	result[4] = byte(len(f.Payload))
	copy(result[wireHeaderLen:], f.Payload)
	return result, nil
}

// Parse parses tunnel wire format data into a Frame
func Parse(data []byte) (*Frame, error) {
	if len(data) < wireHeaderLen {
		return nil, ErrFrameTooShort
	}

	payloadLen := int(data[4])
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLong
	}
	if len(data) < wireHeaderLen+payloadLen {
		return nil, ErrFrameTruncated
	}

	id := binary.BigEndian.Uint32(data[0:4])

	payload := make([]byte, payloadLen)
	copy(payload, data[wireHeaderLen:wireHeaderLen+payloadLen])

	return FromID(id, payload)
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{DataType=%d, Kind=%s, Src=%s, Index=%d, Last=%t, TID=%d, PayloadLen=%d}",
		f.DataTypeID, f.Kind, f.Source, f.Index, f.Last, f.TransferID, len(f.Payload))
}

// Clone creates a deep copy of the frame
func (f *Frame) Clone() *Frame {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)

	clone := *f
	clone.Payload = payload
	return &clone
}

// RxFrame is a frame as observed on a particular bus interface, stamped by
// the media layer at the moment of reception
type RxFrame struct {
	Frame
	IfaceIndex  int                 // Which redundant interface delivered the frame
	TsMonotonic types.MonotonicTime // Reception time, monotonic clock
	TsUTC       types.UTCTime       // Reception time, wall clock
}

// String returns a string representation of the received frame
func (f *RxFrame) String() string {
	return fmt.Sprintf("RxFrame{%s, Iface=%d, TsMono=%d}", f.Frame.String(), f.IfaceIndex, f.TsMonotonic)
}
