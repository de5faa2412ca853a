package transfer

import (
	"errors"
	"sync"
)

var ErrBadConfig = errors.New("invalid transfer configuration")

// Buffer is one reassembly buffer from the pool. Writes are positional and
// may be short when they run past capacity; the writer is expected to treat
// any short write as a failed transfer.
type Buffer struct {
	data    []byte
	highPos int
}

// Write copies data at the given offset and returns the number of bytes
// accepted, which is less than len(data) when capacity runs out
func (b *Buffer) Write(offset int, data []byte) int {
	if offset < 0 || offset >= len(b.data) {
		return 0
	}
	n := copy(b.data[offset:], data)
	if offset+n > b.highPos {
		b.highPos = offset + n
	}
	return n
}

// Bytes returns the written portion of the buffer. The slice aliases pool
// storage and is only valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.highPos]
}

// Len returns the number of bytes written so far
func (b *Buffer) Len() int {
	return b.highPos
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return len(b.data)
}

func (b *Buffer) reset() {
	b.highPos = 0
}

// Pool is a fixed set of reassembly buffers shared by all receivers of a
// dispatcher. Create fails once every buffer is held, which is how pool
// exhaustion propagates into the receiver's abort path.
type Pool struct {
	free []*Buffer
	size int
	mu   sync.Mutex
}

// NewPool creates a pool of count buffers of size bytes each
func NewPool(count, size int) *Pool {
	p := &Pool{
		free: make([]*Buffer, 0, count),
		size: size,
	}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Buffer{data: make([]byte, size)})
	}
	return p
}

// Available returns the number of buffers not currently held
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil
	}
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	buf.reset()
	return buf
}

func (p *Pool) release(buf *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf)
}

// Accessor binds one reassembly slot to the pool. A receiver holds at most
// one buffer through its accessor, and every abort path in the receiver goes
// through Remove, so a buffer can never leak or be released twice.
type Accessor struct {
	pool *Pool
	buf  *Buffer
}

// NewAccessor creates an accessor over the given pool
func NewAccessor(pool *Pool) *Accessor {
	return &Accessor{pool: pool}
}

// Access returns the held buffer, or nil if none is held
func (a *Accessor) Access() *Buffer {
	return a.buf
}

// Create acquires a buffer from the pool, releasing any previously held one
// first. Returns nil if the pool is exhausted.
func (a *Accessor) Create() *Buffer {
	a.Remove()
	a.buf = a.pool.acquire()
	return a.buf
}

// Remove releases the held buffer back to the pool, if any
func (a *Accessor) Remove() {
	if a.buf != nil {
		a.pool.release(a.buf)
		a.buf = nil
	}
}
