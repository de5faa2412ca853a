package transfer

import (
	"bytes"
	"testing"
	"time"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/types"
)

const (
	testDataType = types.DataTypeID(42)
	testSource   = types.NodeID(7)
)

// rxFrame builds a received frame with a monotonic timestamp in microseconds
func rxFrame(iface int, tid, index uint8, last bool, tsUsec uint64, payload []byte) *can.RxFrame {
	return &can.RxFrame{
		Frame:       *can.NewFrame(testDataType, types.KindMessageBroadcast, testSource, index, last, tid, payload),
		IfaceIndex:  iface,
		TsMonotonic: types.MonotonicTime(tsUsec),
		TsUTC:       types.UTCTime(tsUsec + 1_000_000_000),
	}
}

func newTestReceiver(bufCount, bufSize int) (*Receiver, *Accessor, *Pool) {
	pool := NewPool(bufCount, bufSize)
	return NewReceiver(DefaultConfig(), nil), NewAccessor(pool), pool
}

func TestReceiver_SingleFrameTransfer(t *testing.T) {
	rx, acc, pool := newTestReceiver(1, 64)

	result := rx.AddFrame(rxFrame(0, 0, 0, true, 1000, []byte{0xAA, 0xBB}), acc)
	if result != ResultSingleFrame {
		t.Fatalf("Expected SingleFrame, got %s", result)
	}
	if rx.TransferCRC() != 0 {
		t.Errorf("Single-frame transfer must have CRC 0, got 0x%04X", rx.TransferCRC())
	}
	if pool.Available() != 1 {
		t.Errorf("Single-frame transfer must not hold a buffer")
	}
	if !rx.Initialized() {
		t.Errorf("Receiver must be initialized after first transfer")
	}
}

func TestReceiver_ThreeFrameTransfer(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	// First frame: CRC 0x1234 little-endian, then data byte 'A'
	if r := rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A'}), acc); r != ResultNotComplete {
		t.Fatalf("Frame 0: expected NotComplete, got %s", r)
	}
	if r := rx.AddFrame(rxFrame(0, 0, 1, false, 2000, []byte{'B'}), acc); r != ResultNotComplete {
		t.Fatalf("Frame 1: expected NotComplete, got %s", r)
	}
	if r := rx.AddFrame(rxFrame(0, 0, 2, true, 3000, []byte{'C'}), acc); r != ResultComplete {
		t.Fatalf("Frame 2: expected Complete, got %s", r)
	}

	buf := acc.Access()
	if buf == nil {
		t.Fatalf("Completed transfer must leave the buffer readable")
	}
	if !bytes.Equal(buf.Bytes(), []byte("ABC")) {
		t.Errorf("Expected payload ABC, got %q", buf.Bytes())
	}
	if rx.TransferCRC() != 0x1234 {
		t.Errorf("Expected CRC 0x1234, got 0x%04X", rx.TransferCRC())
	}
	if rx.FirstFrameUTC() != types.UTCTime(1000+1_000_000_000) {
		t.Errorf("UTC timestamp must come from the first frame")
	}
	acc.Remove()
}

func TestReceiver_ReplayAfterCompletionDropped(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	frame := rxFrame(0, 0, 0, true, 1000, []byte{1, 2, 3})
	if r := rx.AddFrame(frame, acc); r != ResultSingleFrame {
		t.Fatalf("Expected SingleFrame, got %s", r)
	}

	// The same frame again: its TID is now behind the expected one
	replay := rxFrame(0, 0, 0, true, 2000, []byte{1, 2, 3})
	if r := rx.AddFrame(replay, acc); r != ResultNotComplete {
		t.Fatalf("Replay: expected NotComplete, got %s", r)
	}

	// And again; rejection must be idempotent
	replay2 := rxFrame(0, 0, 0, true, 3000, []byte{1, 2, 3})
	if r := rx.AddFrame(replay2, acc); r != ResultNotComplete {
		t.Fatalf("Second replay: expected NotComplete, got %s", r)
	}
	if rx.tid != 1 {
		t.Errorf("Replay must not move the expected TID, got %d", rx.tid)
	}
}

func TestReceiver_FrameIndexSkipRejected(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A', 'B'}), acc)
	written := acc.Access().Len()

	// Expected index 1, got 2
	if r := rx.AddFrame(rxFrame(0, 0, 2, false, 2000, []byte{'X'}), acc); r != ResultNotComplete {
		t.Fatalf("Index skip: expected NotComplete, got %s", r)
	}
	if acc.Access().Len() != written {
		t.Errorf("Index skip must not mutate the buffer")
	}
	if rx.nextFrameIndex != 1 {
		t.Errorf("Index skip must not advance the expected index")
	}

	// The in-sequence frame still works afterwards
	if r := rx.AddFrame(rxFrame(0, 0, 1, false, 3000, []byte{'C'}), acc); r != ResultNotComplete {
		t.Fatalf("In-sequence frame after skip: expected NotComplete, got %s", r)
	}
	if acc.Access().Len() != written+1 {
		t.Errorf("In-sequence frame must append")
	}
	acc.Remove()
}

func TestReceiver_WrongInterfaceMidTransferRejected(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A'}), acc)

	// Continuation of the same transfer arriving on another interface
	if r := rx.AddFrame(rxFrame(1, 0, 1, false, 2000, []byte{'B'}), acc); r != ResultNotComplete {
		t.Fatalf("Cross-interface continuation: expected NotComplete, got %s", r)
	}
	if rx.IfaceIndex() != 0 {
		t.Errorf("Tracked interface must not change")
	}
	acc.Remove()
}

func TestReceiver_SameIfaceNewTidPreempts(t *testing.T) {
	rx, acc, pool := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A'}), acc)
	if pool.Available() != 0 {
		t.Fatalf("Multi-frame transfer must hold a buffer")
	}

	// A new first frame with a future TID on the same interface wins
	// immediately, no staleness required
	result := rx.AddFrame(rxFrame(0, 1, 0, true, 2000, []byte{9}), acc)
	if result != ResultSingleFrame {
		t.Fatalf("Expected the new transfer to complete, got %s", result)
	}
	if pool.Available() != 1 {
		t.Errorf("Old partial buffer must be released exactly once")
	}
}

func TestReceiver_StaleIfaceSwitchesToFreshInterface(t *testing.T) {
	rx, acc, pool := newTestReceiver(1, 64)

	// Transfer in progress on interface 0, started at t=1s
	rx.AddFrame(rxFrame(0, 0, 0, false, 1_000_000, []byte{0x34, 0x12, 'A'}), acc)

	// 1.3s later: beyond twice the default interval (2x500ms) but short of
	// the full receiver timeout (5x500ms), a first frame with a future TID
	// arrives on interface 1
	result := rx.AddFrame(rxFrame(1, 1, 0, true, 2_300_000, []byte{9}), acc)
	if result != ResultSingleFrame {
		t.Fatalf("Expected the fresh interface to take over, got %s", result)
	}
	if rx.IfaceIndex() != 1 {
		t.Errorf("Expected tracked interface 1, got %d", rx.IfaceIndex())
	}
	if pool.Available() != 1 {
		t.Errorf("Interface A's partial buffer must be released")
	}
}

func TestReceiver_FreshInterfaceRejectedWhileNotStale(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1_000_000, []byte{0x34, 0x12, 'A'}), acc)

	// Only 10ms later the other interface offers a new transfer; the
	// current one is still live, so redundant-interface interleaving is
	// refused
	result := rx.AddFrame(rxFrame(1, 1, 0, true, 1_010_000, []byte{9}), acc)
	if result != ResultNotComplete {
		t.Fatalf("Expected rejection, got %s", result)
	}
	if rx.IfaceIndex() != 0 {
		t.Errorf("Tracked interface must remain 0")
	}
	acc.Remove()
}

func TestReceiver_TimeoutRestartsOnContinuationFrame(t *testing.T) {
	rx, acc, pool := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1_000_000, []byte{0x34, 0x12, 'A'}), acc)

	// 3s of silence exceeds the 5x500ms receiver timeout. The arriving
	// frame is a stray continuation: it cannot start a transfer, but the
	// adopted TID is advanced past it.
	result := rx.AddFrame(rxFrame(0, 3, 1, false, 4_000_000, []byte{'B'}), acc)
	if result != ResultNotComplete {
		t.Fatalf("Stray continuation: expected NotComplete, got %s", result)
	}
	if pool.Available() != 1 {
		t.Errorf("Restart must release the held buffer")
	}
	if rx.tid != 4 {
		t.Errorf("Expected adopted TID advanced to 4, got %d", rx.tid)
	}
}

func TestReceiver_UninitializedContinuationAdvancesTid(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	// The very first frame ever seen is a mid-transfer continuation
	if r := rx.AddFrame(rxFrame(0, 3, 1, false, 1000, []byte{'B'}), acc); r != ResultNotComplete {
		t.Fatalf("Expected NotComplete, got %s", r)
	}

	// The next transfer from that sender uses the following TID and must
	// not be mistaken for a duplicate
	if r := rx.AddFrame(rxFrame(0, 4, 0, true, 2000, []byte{1}), acc); r != ResultSingleFrame {
		t.Fatalf("Expected SingleFrame for TID 4, got %s", r)
	}
}

func TestReceiver_MonotonicityGuard(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	// Zero timestamp: never valid
	if r := rx.AddFrame(rxFrame(0, 0, 0, true, 0, []byte{1}), acc); r != ResultNotComplete {
		t.Fatalf("Zero timestamp: expected NotComplete, got %s", r)
	}
	if rx.Initialized() {
		t.Fatalf("Dropped frame must not initialize the receiver")
	}

	if r := rx.AddFrame(rxFrame(0, 0, 0, true, 5000, []byte{1}), acc); r != ResultSingleFrame {
		t.Fatalf("Expected SingleFrame, got %s", r)
	}

	// Earlier than the last transfer start: dropped before any other logic
	if r := rx.AddFrame(rxFrame(0, 1, 0, true, 4000, []byte{1}), acc); r != ResultNotComplete {
		t.Fatalf("Backdated frame: expected NotComplete, got %s", r)
	}
}

func TestReceiver_SaturatedIndexMustTerminate(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)
	rx.AddFrame(rxFrame(0, 0, 0, true, 1000, []byte{1}), acc) // initialize, TID -> 1

	// A frame at the maximum index that does not close the transfer is
	// structurally invalid regardless of everything else
	frame := rxFrame(0, 1, can.IndexMax, false, 2000, []byte{1})
	rx.nextFrameIndex = can.IndexMax
	if r := rx.AddFrame(frame, acc); r != ResultNotComplete {
		t.Fatalf("Unterminated saturated index: expected NotComplete, got %s", r)
	}
}

func TestReceiver_MultiFrameFirstNeedsCRCHeader(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)
	rx.AddFrame(rxFrame(0, 0, 0, true, 1000, []byte{1}), acc) // initialize, TID -> 1

	// First frame of a multi-frame transfer with 1 payload byte cannot
	// even hold the CRC header
	if r := rx.AddFrame(rxFrame(0, 1, 0, false, 2000, []byte{0x34}), acc); r != ResultNotComplete {
		t.Fatalf("Short first frame: expected NotComplete, got %s", r)
	}
}

func TestReceiver_BufferExhaustionAborts(t *testing.T) {
	pool := NewPool(1, 64)
	rx := NewReceiver(DefaultConfig(), nil)
	acc := NewAccessor(pool)

	// Drain the pool from the outside
	blocker := NewAccessor(pool)
	blocker.Create()

	if r := rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A'}), acc); r != ResultNotComplete {
		t.Fatalf("Expected NotComplete on pool exhaustion, got %s", r)
	}
	if rx.tid != 1 {
		t.Errorf("Aborted transfer must advance the TID, got %d", rx.tid)
	}

	// After the pool frees up, the next transfer goes through
	blocker.Remove()
	if r := rx.AddFrame(rxFrame(0, 1, 0, true, 2000, []byte{1}), acc); r != ResultSingleFrame {
		t.Fatalf("Expected recovery after exhaustion, got %s", r)
	}
}

func TestReceiver_PayloadWriteFailureAborts(t *testing.T) {
	rx, acc, pool := newTestReceiver(1, 4)

	// 6 data bytes after the CRC header cannot fit a 4-byte buffer
	result := rx.AddFrame(rxFrame(0, 0, 0, false, 1000,
		[]byte{0x34, 0x12, 'A', 'B', 'C', 'D', 'E', 'F'}), acc)
	if result != ResultNotComplete {
		t.Fatalf("Expected NotComplete on write failure, got %s", result)
	}
	if pool.Available() != 1 {
		t.Errorf("Failed write must release the buffer")
	}
	if rx.tid != 1 {
		t.Errorf("Aborted transfer must advance the TID, got %d", rx.tid)
	}
	if rx.bufferWritePos != 0 || rx.nextFrameIndex != 0 {
		t.Errorf("Abort must reset the per-transfer cursors")
	}
}

func TestReceiver_IntervalStaysClamped(t *testing.T) {
	cfg := DefaultConfig()
	rx := NewReceiver(cfg, nil)

	minUsec := uint64(cfg.MinInterval.Microseconds())
	maxUsec := uint64(cfg.MaxInterval.Microseconds())

	// Pathological gap sequences: zero gaps, then enormous ones
	ts := types.MonotonicTime(1000)
	for i := 0; i < 50; i++ {
		rx.thisTransferTs = ts
		rx.updateTransferTimings()
		if rx.Interval() < minUsec || rx.Interval() > maxUsec {
			t.Fatalf("Zero-gap cycle %d: interval %d left [%d, %d]", i, rx.Interval(), minUsec, maxUsec)
		}
	}
	for i := 0; i < 50; i++ {
		ts = ts.Add(time.Hour)
		rx.thisTransferTs = ts
		rx.updateTransferTimings()
		if rx.Interval() < minUsec || rx.Interval() > maxUsec {
			t.Fatalf("Huge-gap cycle %d: interval %d left [%d, %d]", i, rx.Interval(), minUsec, maxUsec)
		}
	}
}

func TestReceiver_IntervalFilterWeighting(t *testing.T) {
	cfg := DefaultConfig()
	rx := NewReceiver(cfg, nil)

	// Two transfers 100ms apart: the estimate takes one eighth of the
	// observed gap and keeps seven eighths of the old value
	rx.thisTransferTs = 1_000_000
	rx.updateTransferTimings()
	rx.thisTransferTs = 1_100_000
	rx.updateTransferTimings()

	expected := (uint64(cfg.DefaultInterval.Microseconds())*7 + 100_000) / 8
	if rx.Interval() != expected {
		t.Errorf("Expected interval %d, got %d", expected, rx.Interval())
	}
}

func TestReceiver_NonMonotonicTimingLeavesEstimate(t *testing.T) {
	cfg := DefaultConfig()
	rx := NewReceiver(cfg, nil)

	rx.thisTransferTs = 2_000_000
	rx.updateTransferTimings()
	before := rx.Interval()

	// Clock anomaly: the new start is earlier than the previous one
	rx.thisTransferTs = 1_500_000
	rx.updateTransferTimings()
	if rx.Interval() != before {
		t.Errorf("Non-monotonic timestamps must not move the estimate")
	}
}

func TestReceiver_CompletionResetsCursors(t *testing.T) {
	rx, acc, _ := newTestReceiver(1, 64)

	rx.AddFrame(rxFrame(0, 0, 0, false, 1000, []byte{0x34, 0x12, 'A'}), acc)
	rx.AddFrame(rxFrame(0, 0, 1, true, 2000, []byte{'B'}), acc)
	acc.Remove()

	if rx.nextFrameIndex != 0 || rx.bufferWritePos != 0 {
		t.Errorf("Completion must reset frame index and write cursor together")
	}
	if rx.tid != 1 {
		t.Errorf("Completion must advance the TID by exactly one, got %d", rx.tid)
	}
}
