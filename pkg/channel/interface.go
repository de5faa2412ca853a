package channel

import "context"

// PhysicalChannel represents one physical bus attachment carrying encoded
// CAN frames (the tunnel wire form from pkg/can). Implementations exist for
// UDP, QUIC and SLCAN serial adapters; users plug in custom media by
// implementing this interface.
type PhysicalChannel interface {
	// Read reads the next encoded frame from the medium. Blocks until a
	// frame is available or the context is cancelled.
	Read(ctx context.Context) ([]byte, error)

	// Write writes one encoded frame to the medium. Must be safe for
	// concurrent use; the transmit side may push from multiple goroutines.
	Write(ctx context.Context, data []byte) error

	// Close closes the physical connection and unblocks pending reads
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of connections (connection-oriented media)
	Disconnects   uint64 // Number of disconnections
}
