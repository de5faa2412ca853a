package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/channel"
	"uavcan/uavcan-go/pkg/logger"
	"uavcan/uavcan-go/pkg/transfer"
	"uavcan/uavcan-go/pkg/types"
)

const (
	txDeadline      = time.Second
	cleanupInterval = time.Second
)

// Handler receives completed transfers for a subscribed data type
type Handler func(*transfer.Transfer)

// Node ties the receive pipeline, the transmitter and a set of redundant
// physical interfaces into one endpoint on the bus.
type Node struct {
	cfg   Config
	clock types.Clock
	log   logger.Logger

	group       *channel.InterfaceGroup
	dispatcher  *transfer.Dispatcher
	transmitter *transfer.Transmitter

	handlers map[types.DataTypeID][]Handler
	mu       sync.Mutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewNode builds a node from a validated config. The configured interfaces
// are opened immediately; Start begins frame processing.
func NewNode(cfg Config, log logger.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetDefault()
	}

	clock := types.NewSystemClock()

	channels := make([]channel.PhysicalChannel, 0, len(cfg.Interfaces))
	for i, ifc := range cfg.Interfaces {
		ch, err := openChannel(ifc)
		if err != nil {
			for _, opened := range channels {
				opened.Close()
			}
			return nil, fmt.Errorf("interface %d: %w", i, err)
		}
		channels = append(channels, ch)
	}

	group, err := channel.NewInterfaceGroup(clock, log, channels...)
	if err != nil {
		for _, opened := range channels {
			opened.Close()
		}
		return nil, err
	}

	dispatcher, err := transfer.NewDispatcher(cfg.transferConfig(), log)
	if err != nil {
		group.Close()
		return nil, err
	}

	transmitter, err := transfer.NewTransmitter(types.NodeID(cfg.NodeID))
	if err != nil {
		group.Close()
		return nil, err
	}

	return &Node{
		cfg:         cfg,
		clock:       clock,
		log:         log,
		group:       group,
		dispatcher:  dispatcher,
		transmitter: transmitter,
		handlers:    make(map[types.DataTypeID][]Handler),
	}, nil
}

func openChannel(ifc InterfaceConfig) (channel.PhysicalChannel, error) {
	switch ifc.Type {
	case "udp":
		return channel.NewUDPChannel(channel.UDPChannelConfig{
			Address:  ifc.Address,
			IsServer: ifc.Server,
		})
	case "quic":
		return channel.NewQUICChannel(channel.QUICChannelConfig{
			Address:  ifc.Address,
			IsServer: ifc.Server,
		})
	case "slcan":
		return channel.NewSLCANChannel(channel.SLCANChannelConfig{
			Device:   ifc.Device,
			BaudRate: ifc.BaudRate,
		})
	default:
		return nil, fmt.Errorf("unknown interface type %q", ifc.Type)
	}
}

// ID returns the node's own ID
func (n *Node) ID() types.NodeID {
	return n.transmitter.Source()
}

// Statistics returns the receive pipeline statistics
func (n *Node) Statistics() *transfer.Statistics {
	return n.dispatcher.Statistics()
}

// Subscribe registers a handler for completed broadcast transfers of the
// given data type. Handlers run on the node's processing goroutine and
// must not block.
func (n *Node) Subscribe(dtid types.DataTypeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[dtid] = append(n.handlers[dtid], h)
}

// Broadcast segments the payload into frames and writes them to every
// interface
func (n *Node) Broadcast(ctx context.Context, dtid types.DataTypeID, payload []byte) error {
	deadline := n.clock.Monotonic().Add(txDeadline)
	if err := n.transmitter.Broadcast(dtid, payload, deadline); err != nil {
		return err
	}
	return n.flushTx(ctx)
}

func (n *Node) flushTx(ctx context.Context) error {
	for {
		frame := n.transmitter.Pop(n.clock.Monotonic())
		if frame == nil {
			return nil
		}
		if err := n.group.WriteAll(ctx, frame); err != nil {
			return err
		}
	}
}

// Start launches the interface readers and the processing loop
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("already started")
	}
	n.started = true

	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.group.Start(ctx); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.run(ctx)
	n.log.Info("node %d up with %d interface(s)", n.cfg.NodeID, n.group.Count())
	return nil
}

func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()

	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case rx := <-n.group.Frames():
			n.handleFrame(rx)
		case <-cleanup.C:
			if removed := n.dispatcher.Cleanup(n.clock.Monotonic()); removed > 0 {
				n.log.Debug("reclaimed %d idle stream(s)", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) handleFrame(rx *can.RxFrame) {
	tr := n.dispatcher.Dispatch(rx)
	if tr == nil {
		return
	}
	if tr.Kind != types.KindMessageBroadcast {
		n.log.Debug("no server bound for %s transfer dtid=%d from %d",
			tr.Kind, tr.DataTypeID, tr.Source)
		return
	}

	n.mu.Lock()
	handlers := n.handlers[tr.DataTypeID]
	n.mu.Unlock()

	if len(handlers) == 0 {
		n.log.Debug("unsubscribed transfer dtid=%d from %d dropped", tr.DataTypeID, tr.Source)
		return
	}
	for _, h := range handlers {
		h(tr)
	}
}

// Close stops processing and closes every interface
func (n *Node) Close() error {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	err := n.group.Close()
	n.wg.Wait()
	return err
}
