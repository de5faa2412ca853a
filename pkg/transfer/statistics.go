package transfer

import "sync/atomic"

// Statistics tracks transfer-layer statistics
type Statistics struct {
	numFramesRx       uint64
	numFramesDropped  uint64
	numTransfersRx    uint64
	numRestarts       uint64
	numCRCMismatches  uint64
	numBufferFailures uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// FrameRx increments received frames
func (s *Statistics) FrameRx() {
	atomic.AddUint64(&s.numFramesRx, 1)
}

// FrameDropped increments dropped frames
func (s *Statistics) FrameDropped() {
	atomic.AddUint64(&s.numFramesDropped, 1)
}

// TransferRx increments completed transfers
func (s *Statistics) TransferRx() {
	atomic.AddUint64(&s.numTransfersRx, 1)
}

// Restart increments reassembly restarts
func (s *Statistics) Restart() {
	atomic.AddUint64(&s.numRestarts, 1)
}

// CRCMismatch increments transfer CRC mismatches
func (s *Statistics) CRCMismatch() {
	atomic.AddUint64(&s.numCRCMismatches, 1)
}

// BufferFailure increments buffer acquisition or write failures
func (s *Statistics) BufferFailure() {
	atomic.AddUint64(&s.numBufferFailures, 1)
}

// GetFramesRx returns received frames
func (s *Statistics) GetFramesRx() uint64 {
	return atomic.LoadUint64(&s.numFramesRx)
}

// GetFramesDropped returns dropped frames
func (s *Statistics) GetFramesDropped() uint64 {
	return atomic.LoadUint64(&s.numFramesDropped)
}

// GetTransfersRx returns completed transfers
func (s *Statistics) GetTransfersRx() uint64 {
	return atomic.LoadUint64(&s.numTransfersRx)
}

// GetRestarts returns reassembly restarts
func (s *Statistics) GetRestarts() uint64 {
	return atomic.LoadUint64(&s.numRestarts)
}

// GetCRCMismatches returns transfer CRC mismatches
func (s *Statistics) GetCRCMismatches() uint64 {
	return atomic.LoadUint64(&s.numCRCMismatches)
}

// GetBufferFailures returns buffer acquisition or write failures
func (s *Statistics) GetBufferFailures() uint64 {
	return atomic.LoadUint64(&s.numBufferFailures)
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.numFramesRx, 0)
	atomic.StoreUint64(&s.numFramesDropped, 0)
	atomic.StoreUint64(&s.numTransfersRx, 0)
	atomic.StoreUint64(&s.numRestarts, 0)
	atomic.StoreUint64(&s.numCRCMismatches, 0)
	atomic.StoreUint64(&s.numBufferFailures, 0)
}
