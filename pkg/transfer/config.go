package transfer

import "time"

// Config holds configuration for the transfer reception layer
type Config struct {
	// MinInterval is the lower clamp on the adaptive transfer interval
	// estimate. Default: 1 millisecond.
	MinInterval time.Duration

	// MaxInterval is the upper clamp on the adaptive transfer interval
	// estimate. Default: 10 seconds.
	MaxInterval time.Duration

	// DefaultInterval seeds the adaptive estimate before any transfer
	// pair has been observed. Default: 500 milliseconds.
	DefaultInterval time.Duration

	// BufferCount is the number of reassembly buffers in the shared pool.
	// Each in-progress multi-frame transfer holds exactly one.
	// Default: 16.
	BufferCount int

	// BufferSize is the capacity of each reassembly buffer in bytes.
	// The frame index field caps a transfer at 510 payload bytes, so the
	// default of 512 never truncates a wire-legal transfer.
	BufferSize int
}

// DefaultConfig returns default transfer layer configuration
func DefaultConfig() Config {
	return Config{
		MinInterval:     1 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		DefaultInterval: 500 * time.Millisecond,
		BufferCount:     16,
		BufferSize:      512,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.MinInterval <= 0 || c.MaxInterval < c.MinInterval {
		return ErrBadConfig
	}
	if c.DefaultInterval < c.MinInterval || c.DefaultInterval > c.MaxInterval {
		return ErrBadConfig
	}
	if c.BufferCount <= 0 || c.BufferSize <= 0 {
		return ErrBadConfig
	}
	return nil
}
