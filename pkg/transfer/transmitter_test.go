package transfer

import (
	"bytes"
	"errors"
	"testing"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/types"
)

func TestSegment_SingleFrame(t *testing.T) {
	frames := Segment(types.KindMessageBroadcast, 100, 9, 2, []byte{1, 2, 3})

	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if !f.IsFirst() || !f.IsLast() {
		t.Errorf("Single frame must be both first and last")
	}
	if f.TransferID != 2 {
		t.Errorf("Expected TID 2, got %d", f.TransferID)
	}
	if !bytes.Equal(f.Payload, []byte{1, 2, 3}) {
		t.Errorf("Single frame carries the raw payload, no CRC header")
	}
}

func TestSegment_MultiFrameHeaderPlacement(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 20)
	frames := Segment(types.KindMessageBroadcast, 100, 9, 0, payload)

	// 2 header bytes + 20 payload bytes = 22 -> 8+8+6
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}

	crc := can.TransferCRC(payload)
	first := frames[0]
	if first.Payload[0] != byte(crc) || first.Payload[1] != byte(crc>>8) {
		t.Errorf("First frame must start with the little-endian transfer CRC")
	}

	for i, f := range frames {
		if int(f.Index) != i {
			t.Errorf("Frame %d: expected index %d, got %d", i, i, f.Index)
		}
		if f.IsLast() != (i == len(frames)-1) {
			t.Errorf("Frame %d: wrong last-frame bit", i)
		}
	}
	if len(frames[2].Payload) != 6 {
		t.Errorf("Expected 6 trailing bytes, got %d", len(frames[2].Payload))
	}
}

func TestTransmitter_TidAdvancesPerTransfer(t *testing.T) {
	tx, err := NewTransmitter(5)
	if err != nil {
		t.Fatalf("NewTransmitter failed: %v", err)
	}

	tx.Broadcast(100, []byte{1}, 0)
	tx.Broadcast(100, []byte{2}, 0)
	tx.Broadcast(200, []byte{3}, 0) // separate stream, separate counter

	f1 := tx.Pop(1)
	f2 := tx.Pop(1)
	f3 := tx.Pop(1)
	if f1 == nil || f2 == nil || f3 == nil {
		t.Fatalf("Expected 3 staged frames")
	}

	// Arbitration: data type 100 frames first, then 200
	if f1.TransferID != 0 || f2.TransferID != 1 {
		t.Errorf("Same-stream TIDs must advance: got %d, %d", f1.TransferID, f2.TransferID)
	}
	if f3.DataTypeID != 200 || f3.TransferID != 0 {
		t.Errorf("Streams must not share TID counters")
	}
}

func TestTransmitter_RejectsOversizePayload(t *testing.T) {
	tx, _ := NewTransmitter(5)

	if err := tx.Broadcast(100, make([]byte, MaxTransferPayload+1), 0); !errors.Is(err, ErrTransferTooLong) {
		t.Errorf("Expected ErrTransferTooLong, got %v", err)
	}
	if err := tx.Broadcast(100, make([]byte, MaxTransferPayload), 0); err != nil {
		t.Errorf("Maximum-size payload must be accepted, got %v", err)
	}
}

func TestTransmitter_InvalidSourceRefused(t *testing.T) {
	if _, err := NewTransmitter(0); !errors.Is(err, ErrInvalidNodeID) {
		t.Errorf("Node ID 0 must be refused, got %v", err)
	}
	if _, err := NewTransmitter(128); !errors.Is(err, ErrInvalidNodeID) {
		t.Errorf("Node ID 128 must be refused, got %v", err)
	}
}

func TestTransmitter_LoopbackThroughDispatcher(t *testing.T) {
	tx, _ := NewTransmitter(5)
	d, _ := NewDispatcher(DefaultConfig(), nil)

	payload := bytes.Repeat([]byte{0xC3}, 123)
	if err := tx.Broadcast(100, payload, 0); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	var delivered *Transfer
	ts := types.MonotonicTime(1000)
	for {
		f := tx.Pop(ts)
		if f == nil {
			break
		}
		rx := &can.RxFrame{
			Frame:       *f,
			IfaceIndex:  0,
			TsMonotonic: ts,
			TsUTC:       types.UTCTime(ts),
		}
		if tr := d.Dispatch(rx); tr != nil {
			delivered = tr
		}
		ts += 100
	}

	if delivered == nil {
		t.Fatalf("Expected the transfer to come back around")
	}
	if !bytes.Equal(delivered.Payload, payload) {
		t.Errorf("Loopback payload mismatch")
	}
	if delivered.Source != 5 {
		t.Errorf("Expected source 5, got %s", delivered.Source)
	}
}
