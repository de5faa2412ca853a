package queue

import (
	"container/heap"
	"sync"

	"uavcan/uavcan-go/pkg/can"
	"uavcan/uavcan-go/pkg/types"
)

// entry represents a staged outgoing frame
type entry struct {
	frame    *can.Frame
	deadline types.MonotonicTime // Frame is discarded if not sent by then
	order    uint64              // Enqueue counter, breaks arbitration ties FIFO
	index    int                 // Index in the heap
}

// FrameQueue stages outgoing frames in CAN bus arbitration order: the frame
// with the numerically lowest extended ID wins, frames with equal IDs leave
// in enqueue order. Expired frames are dropped on pop rather than eagerly.
type FrameQueue struct {
	items   frameHeap
	counter uint64
	mu      sync.Mutex
}

// NewFrameQueue creates an empty frame queue
func NewFrameQueue() *FrameQueue {
	fq := &FrameQueue{
		items: make(frameHeap, 0),
	}
	heap.Init(&fq.items)
	return fq
}

// Push stages a frame with a transmission deadline
func (fq *FrameQueue) Push(frame *can.Frame, deadline types.MonotonicTime) {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	fq.counter++
	heap.Push(&fq.items, &entry{
		frame:    frame,
		deadline: deadline,
		order:    fq.counter,
	})
}

// Pop removes and returns the frame that would win bus arbitration, skipping
// frames whose deadline has passed. Returns nil if nothing is sendable.
func (fq *FrameQueue) Pop(now types.MonotonicTime) *can.Frame {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	for fq.items.Len() > 0 {
		item := heap.Pop(&fq.items).(*entry)
		if !item.deadline.IsZero() && now > item.deadline {
			continue
		}
		return item.frame
	}
	return nil
}

// Peek returns the arbitration winner without removing it
func (fq *FrameQueue) Peek() *can.Frame {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if fq.items.Len() == 0 {
		return nil
	}
	return fq.items[0].frame
}

// Len returns the number of staged frames, expired ones included
func (fq *FrameQueue) Len() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.items.Len()
}

// Clear removes all staged frames
func (fq *FrameQueue) Clear() {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	fq.items = make(frameHeap, 0)
	heap.Init(&fq.items)
}

// frameHeap implements heap.Interface
type frameHeap []*entry

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	// Lower CAN ID wins arbitration
	if h[i].frame.ID() != h[j].frame.ID() {
		return h[i].frame.ID() < h[j].frame.ID()
	}
	// Equal IDs leave in enqueue order
	return h[i].order < h[j].order
}

func (h frameHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *frameHeap) Push(x interface{}) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
