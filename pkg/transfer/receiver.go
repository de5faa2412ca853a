package transfer

import (
	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/logger"
	"uavcan/uavcan-go/pkg/types"
)

// Result reports the outcome of feeding one frame to a Receiver
type Result int

const (
	// ResultNotComplete means the frame was consumed, dropped or aborted;
	// either way no transfer is ready
	ResultNotComplete Result = iota

	// ResultSingleFrame means the frame was a complete single-frame
	// transfer; its payload is the frame payload, there is no buffer
	ResultSingleFrame

	// ResultComplete means a multi-frame transfer finished; the payload
	// is in the buffer held by the accessor
	ResultComplete
)

// String returns string representation of Result
func (r Result) String() string {
	switch r {
	case ResultNotComplete:
		return "NotComplete"
	case ResultSingleFrame:
		return "SingleFrame"
	case ResultComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// crcHeaderLen is the number of payload bytes the first frame of a
// multi-frame transfer spends on the transfer CRC
const crcHeaderLen = 2

// timeoutIntervalMult sizes the receiver timeout window. It is large enough
// that by the time it fires, the peer's transfer ID could have wrapped all
// the way around, so adopting whatever arrives next is safe.
const timeoutIntervalMult = halfRange + 1

const ifaceIndexInvalid = -1

// Receiver reassembles transfers from one (source, kind, data type) stream.
// It is a single-threaded state machine: every frame produces an irrevocable
// accept/drop/restart decision using only the bounded state below. There is
// no frame buffering and no reordering; anything out of sequence is dropped
// and the stream self-heals on the next first frame.
//
// Not safe for concurrent use; the dispatch loop owning the stream must
// serialize calls.
type Receiver struct {
	ifaceIndex      int
	tid             ID
	nextFrameIndex  uint8
	bufferWritePos  int
	thisTransferTs  types.MonotonicTime
	prevTransferTs  types.MonotonicTime
	firstFrameTsUTC types.UTCTime
	transferCRC     uint16

	// Adaptive inter-transfer interval estimate in microseconds, clamped
	// to [minInterval, maxInterval]; only ever used to size timeout
	// windows
	interval    uint64
	minInterval uint64
	maxInterval uint64

	log   logger.Logger
	stats *Statistics
}

// NewReceiver creates a receiver with the given interval configuration.
// A nil log disables tracing.
func NewReceiver(cfg Config, log logger.Logger) *Receiver {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Receiver{
		ifaceIndex:  ifaceIndexInvalid,
		interval:    uint64(cfg.DefaultInterval.Microseconds()),
		minInterval: uint64(cfg.MinInterval.Microseconds()),
		maxInterval: uint64(cfg.MaxInterval.Microseconds()),
		log:         log,
	}
}

// SetStatistics attaches a statistics tracker for restart and buffer
// failure counting; nil detaches it
func (r *Receiver) SetStatistics(stats *Statistics) {
	r.stats = stats
}

// Initialized reports whether any transfer has ever been started
func (r *Receiver) Initialized() bool {
	return r.ifaceIndex != ifaceIndexInvalid
}

// IfaceIndex returns the interface the current transfer is tracked on
func (r *Receiver) IfaceIndex() int {
	return r.ifaceIndex
}

// TransferCRC returns the CRC extracted from the first frame of the last
// multi-frame transfer; zero for single-frame transfers
func (r *Receiver) TransferCRC() uint16 {
	return r.transferCRC
}

// FirstFrameUTC returns the wall-clock timestamp of the first frame of the
// current or just-completed transfer
func (r *Receiver) FirstFrameUTC() types.UTCTime {
	return r.firstFrameTsUTC
}

// LastTransferTs returns the monotonic timestamp of the current or
// just-completed transfer's first frame
func (r *Receiver) LastTransferTs() types.MonotonicTime {
	return r.thisTransferTs
}

// Interval returns the current adaptive inter-transfer interval estimate in
// microseconds. It is a smoothed value for timeout sizing, not a measurement.
func (r *Receiver) Interval() uint64 {
	return r.interval
}

func (r *Receiver) dropped() {
	if r.stats != nil {
		r.stats.FrameDropped()
	}
}

// tidRelation classifies the frame's transfer ID against the expected one
func (r *Receiver) tidRelation(frame *can.RxFrame) Relation {
	return r.tid.Relate(ID(frame.TransferID))
}

// IsTimedOut reports whether the receiver has been silent long enough that
// any in-flight transfer must be considered abandoned
func (r *Receiver) IsTimedOut(now types.MonotonicTime) bool {
	ts := r.thisTransferTs
	if now <= ts {
		return false
	}
	return uint64(now-ts) > r.interval*timeoutIntervalMult
}

// updateTransferTimings folds the gap between the two most recent transfer
// starts into the adaptive interval estimate. Missing or non-monotonic
// timestamps leave the estimate untouched for this cycle.
func (r *Receiver) updateTransferTimings() {
	prevPrev := r.prevTransferTs
	r.prevTransferTs = r.thisTransferTs

	if !prevPrev.IsZero() && !r.prevTransferTs.IsZero() && r.prevTransferTs >= prevPrev {
		gap := uint64(r.prevTransferTs - prevPrev)
		if gap > r.maxInterval {
			gap = r.maxInterval
		}
		if gap < r.minInterval {
			gap = r.minInterval
		}
		r.interval = (r.interval*7 + gap) / 8
	}
}

// prepareForNextTransfer advances the expected transfer ID and resets the
// per-transfer frame and buffer cursors
func (r *Receiver) prepareForNextTransfer() {
	r.tid = r.tid.Increment()
	r.nextFrameIndex = 0
	r.bufferWritePos = 0
}

// validate checks a frame's structural and sequencing legality against the
// current state. Read-only; every failure is a plain rejection.
func (r *Receiver) validate(frame *can.RxFrame) bool {
	if r.ifaceIndex != frame.IfaceIndex {
		return false
	}

	if frame.IsFirst() && !frame.IsLast() && len(frame.Payload) < crcHeaderLen {
		r.log.Debug("receiver: CRC header expected, %s", frame)
		return false
	}

	if frame.Index == can.IndexMax && !frame.IsLast() {
		r.log.Debug("receiver: unterminated transfer, %s", frame)
		return false
	}

	if frame.Index != r.nextFrameIndex {
		r.log.Debug("receiver: unexpected frame index (want %d), %s", r.nextFrameIndex, frame)
		return false
	}

	if r.tidRelation(frame) != RelationSame {
		r.log.Debug("receiver: unexpected TID (current %d), %s", r.tid, frame)
		return false
	}
	return true
}

// writePayload appends the frame payload to the buffer, peeling the CRC
// header off a first frame. A short write leaves the cursor untouched and
// fails the whole transfer.
func (r *Receiver) writePayload(frame *can.RxFrame, buf *Buffer) bool {
	payload := frame.Payload

	if frame.IsFirst() {
		if len(payload) < crcHeaderLen {
			return false
		}
		r.transferCRC = uint16(payload[0]) | uint16(payload[1])<<8

		effective := payload[crcHeaderLen:]
		n := buf.Write(r.bufferWritePos, effective)
		if n != len(effective) {
			return false
		}
		r.bufferWritePos += n
		return true
	}

	n := buf.Write(r.bufferWritePos, payload)
	if n != len(payload) {
		return false
	}
	r.bufferWritePos += n
	return true
}

// receive runs the assembly and completion path for a validated frame
func (r *Receiver) receive(frame *can.RxFrame, acc *Accessor) Result {
	// Transfer timestamps are derived from the first frame
	if frame.IsFirst() {
		r.thisTransferTs = frame.TsMonotonic
		r.firstFrameTsUTC = frame.TsUTC
	}

	if frame.IsFirst() && frame.IsLast() {
		acc.Remove()
		r.updateTransferTimings()
		r.prepareForNextTransfer()
		r.transferCRC = 0 // Single-frame transfers carry no CRC header
		return ResultSingleFrame
	}

	buf := acc.Access()
	if buf == nil {
		buf = acc.Create()
	}
	if buf == nil {
		r.log.Debug("receiver: failed to access the buffer, %s", frame)
		if r.stats != nil {
			r.stats.BufferFailure()
		}
		r.prepareForNextTransfer()
		return ResultNotComplete
	}
	if !r.writePayload(frame, buf) {
		r.log.Debug("receiver: payload write failed, %s", frame)
		if r.stats != nil {
			r.stats.BufferFailure()
		}
		acc.Remove()
		r.prepareForNextTransfer()
		return ResultNotComplete
	}
	r.nextFrameIndex++

	if frame.IsLast() {
		r.updateTransferTimings()
		r.prepareForNextTransfer()
		return ResultComplete
	}
	return ResultNotComplete
}

// AddFrame is the entry point: it decides whether the in-progress transfer
// must be abandoned for this frame, then validates and assembles it. The
// accessor must be the one bound to this receiver's buffer slot.
func (r *Receiver) AddFrame(frame *can.RxFrame, acc *Accessor) Result {
	if frame.TsMonotonic.IsZero() ||
		frame.TsMonotonic < r.prevTransferTs ||
		frame.TsMonotonic < r.thisTransferTs {
		r.dropped()
		return ResultNotComplete
	}

	notInitialized := !r.Initialized()
	receiverTimedOut := r.IsTimedOut(frame.TsMonotonic)
	sameIface := frame.IfaceIndex == r.ifaceIndex
	firstFrame := frame.IsFirst()
	tidRel := r.tidRelation(frame)
	ifaceTimedOut := uint64(frame.TsMonotonic-r.thisTransferTs) > r.interval*2

	needRestart := // FSM, the hard way
		(notInitialized) ||
			(receiverTimedOut) ||
			(sameIface && firstFrame && (tidRel == RelationFuture)) ||
			(ifaceTimedOut && firstFrame && (tidRel == RelationFuture))

	if needRestart {
		if r.stats != nil {
			r.stats.Restart()
		}
		r.log.Debug("receiver: restart [not_inited=%t, recv_timeout=%t, iface_timeout=%t, same_iface=%t, first=%t, tid_rel=%s], %s",
			notInitialized, receiverTimedOut, ifaceTimedOut, sameIface, firstFrame, tidRel, frame)
		acc.Remove()
		r.ifaceIndex = frame.IfaceIndex
		r.tid = ID(frame.TransferID)
		r.nextFrameIndex = 0
		r.bufferWritePos = 0
		r.transferCRC = 0
		if !firstFrame {
			// A stray continuation cannot start a transfer; skip its
			// ID so the next genuine first frame is not mistaken for
			// a duplicate
			r.tid = r.tid.Increment()
			r.dropped()
			return ResultNotComplete
		}
	}

	if !r.validate(frame) {
		r.dropped()
		return ResultNotComplete
	}

	return r.receive(frame, acc)
}
