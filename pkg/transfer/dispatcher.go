package transfer

import (
	"sync"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/logger"
	"uavcan/uavcan-go/pkg/types"
)

// Transfer is one fully reassembled application message
type Transfer struct {
	Kind       types.TransferKind
	DataTypeID types.DataTypeID
	Source     types.NodeID
	TransferID ID
	Payload    []byte
	TsUTC      types.UTCTime
}

// streamKey identifies one reassembly stream; every distinct combination
// gets its own receiver state machine
type streamKey struct {
	kind types.TransferKind
	dtid types.DataTypeID
	src  types.NodeID
}

type stream struct {
	rx  *Receiver
	acc *Accessor
}

// Dispatcher demultiplexes received frames to per-stream receivers and
// verifies the transfer CRC of completed multi-frame transfers. Receivers
// never see frames from other streams, which is what lets each one stay a
// simple single-transfer state machine.
type Dispatcher struct {
	cfg     Config
	pool    *Pool
	streams map[streamKey]*stream
	stats   *Statistics
	log     logger.Logger
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher with its own buffer pool
func NewDispatcher(cfg Config, log logger.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Dispatcher{
		cfg:     cfg,
		pool:    NewPool(cfg.BufferCount, cfg.BufferSize),
		streams: make(map[streamKey]*stream),
		stats:   NewStatistics(),
		log:     log,
	}, nil
}

// Statistics returns the dispatcher's statistics tracker
func (d *Dispatcher) Statistics() *Statistics {
	return d.stats
}

// Pool returns the shared reassembly buffer pool
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// StreamCount returns the number of tracked reassembly streams
func (d *Dispatcher) StreamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *Dispatcher) streamFor(frame *can.RxFrame) *stream {
	key := streamKey{kind: frame.Kind, dtid: frame.DataTypeID, src: frame.Source}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.streams[key]
	if !ok {
		rx := NewReceiver(d.cfg, d.log)
		rx.SetStatistics(d.stats)
		st = &stream{
			rx:  rx,
			acc: NewAccessor(d.pool),
		}
		d.streams[key] = st
	}
	return st
}

// Dispatch feeds one received frame through its stream's receiver. Returns
// the completed transfer, or nil if the frame did not finish one (or the
// finished transfer failed its CRC check).
func (d *Dispatcher) Dispatch(frame *can.RxFrame) *Transfer {
	d.stats.FrameRx()

	st := d.streamFor(frame)

	switch st.rx.AddFrame(frame, st.acc) {
	case ResultSingleFrame:
		payload := make([]byte, len(frame.Payload))
		copy(payload, frame.Payload)
		d.stats.TransferRx()
		return &Transfer{
			Kind:       frame.Kind,
			DataTypeID: frame.DataTypeID,
			Source:     frame.Source,
			TransferID: ID(frame.TransferID),
			Payload:    payload,
			TsUTC:      st.rx.FirstFrameUTC(),
		}

	case ResultComplete:
		buf := st.acc.Access()
		payload := make([]byte, buf.Len())
		copy(payload, buf.Bytes())
		st.acc.Remove()

		if can.TransferCRC(payload) != st.rx.TransferCRC() {
			d.log.Debug("dispatcher: transfer CRC mismatch, %s", frame)
			d.stats.CRCMismatch()
			return nil
		}

		d.stats.TransferRx()
		return &Transfer{
			Kind:       frame.Kind,
			DataTypeID: frame.DataTypeID,
			Source:     frame.Source,
			TransferID: ID(frame.TransferID),
			Payload:    payload,
			TsUTC:      st.rx.FirstFrameUTC(),
		}

	default:
		return nil
	}
}

// Cleanup drops streams whose receivers have timed out, releasing any
// reassembly buffers they still hold. Call it periodically; a bus with
// many short-lived peers would otherwise accumulate idle state.
func (d *Dispatcher) Cleanup(now types.MonotonicTime) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, st := range d.streams {
		if st.rx.Initialized() && st.rx.IsTimedOut(now) {
			st.acc.Remove()
			delete(d.streams, key)
			removed++
		}
	}
	return removed
}
