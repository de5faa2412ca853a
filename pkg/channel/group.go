package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/logger"
	"uavcan/uavcan-go/pkg/types"
)

// InterfaceGroup fans in a set of redundant physical channels. Each channel
// is assigned an interface index matching its position in the constructor
// argument list, and every decoded frame is stamped with that index plus a
// read timestamp before delivery.
type InterfaceGroup struct {
	channels []PhysicalChannel
	clock    types.Clock
	log      logger.Logger

	frames chan *can.RxFrame

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewInterfaceGroup creates a group over the given channels. The channels
// are adopted: closing the group closes them. At least one channel is
// required.
func NewInterfaceGroup(clock types.Clock, log logger.Logger, channels ...PhysicalChannel) (*InterfaceGroup, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if clock == nil {
		clock = types.NewSystemClock()
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &InterfaceGroup{
		channels: channels,
		clock:    clock,
		log:      log,
		frames:   make(chan *can.RxFrame, 64),
	}, nil
}

// Start launches one reader goroutine per channel. Frames become available
// on Frames() until the context is cancelled or Close is called.
func (g *InterfaceGroup) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("already started")
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	for i, ch := range g.channels {
		g.wg.Add(1)
		go g.readLoop(ctx, i, ch)
	}
	return nil
}

func (g *InterfaceGroup) readLoop(ctx context.Context, ifaceIndex int, ch PhysicalChannel) {
	defer g.wg.Done()
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Debug("iface %d read error: %v", ifaceIndex, err)
			continue
		}

		frame, err := can.Parse(data)
		if err != nil {
			g.log.Debug("iface %d dropped undecodable frame: %v", ifaceIndex, err)
			continue
		}

		rx := &can.RxFrame{
			Frame:       *frame,
			IfaceIndex:  ifaceIndex,
			TsMonotonic: g.clock.Monotonic(),
			TsUTC:       g.clock.UTC(),
		}

		select {
		case g.frames <- rx:
		case <-ctx.Done():
			return
		}
	}
}

// Frames returns the channel carrying received frames from all interfaces
func (g *InterfaceGroup) Frames() <-chan *can.RxFrame {
	return g.frames
}

// Count returns the number of redundant interfaces in the group
func (g *InterfaceGroup) Count() int {
	return len(g.channels)
}

// WriteAll serializes the frame once and writes it to every interface.
// A write failure on one interface does not stop the others; the first
// error encountered is returned.
func (g *InterfaceGroup) WriteAll(ctx context.Context, frame *can.Frame) error {
	data, err := frame.Serialize()
	if err != nil {
		return err
	}

	var firstErr error
	for i, ch := range g.channels {
		if err := ch.Write(ctx, data); err != nil {
			g.log.Warn("iface %d write failed: %v", i, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("iface %d: %w", i, err)
			}
		}
	}
	return firstErr
}

// Close stops the readers and closes every underlying channel
func (g *InterfaceGroup) Close() error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Unlock()

	var firstErr error
	for _, ch := range g.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.wg.Wait()
	return firstErr
}
