// Package reporter owns the runner side of the lifecycle stream: a process-wide
// channel that frames messages onto the controller connection.
package reporter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
)

// ErrAlreadyInitialized is returned when a channel is bound a second time
var ErrAlreadyInitialized = errors.New("channel already initialized")

// ErrTransportUnavailable marks a transport that failed a write after initialization
var ErrTransportUnavailable = errors.New("transport unavailable")

// Emitter is what framework adapters write lifecycle messages to
type Emitter interface {
	Emit(m protocol.Message)
}

var _ Emitter = (*Channel)(nil)

// Channel serializes lifecycle frames onto a transport. Until Initialize is called,
// frames go to the fallback sink. Emit never fails the caller: a broken transport
// degrades to dropping frames.
type Channel struct {
	log      log.Logger
	fallback io.Writer

	mu        sync.Mutex
	transport io.WriteCloser
	writer    *bufio.Writer
	broken    error
	closed    bool
	emitted   int
	dropped   int

	closeOnce sync.Once
}

// Config holds configuration for creating a new channel
type Config struct {
	Log      log.Logger
	Fallback io.Writer // defaults to os.Stderr
}

// NewChannel creates an unbound channel
func NewChannel(cfg Config) *Channel {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = os.Stderr
	}
	return &Channel{
		log:      cfg.Log,
		fallback: cfg.Fallback,
	}
}

// Initialize binds the channel to its transport. It may succeed at most once.
func (c *Channel) Initialize(transport io.WriteCloser) error {
	if transport == nil {
		return errors.New("transport is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return ErrAlreadyInitialized
	}
	if c.closed {
		return errors.New("channel already closed")
	}
	c.transport = transport
	c.writer = bufio.NewWriter(transport)
	c.log.Debug("Reporter channel initialized")
	return nil
}

// Emit encodes and writes one frame. Frames from concurrent callers never interleave.
func (c *Channel) Emit(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("Dropping unencodable message", "type", m.Type, "err", err)
		c.countDropped()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.dropped++
		metrics.RecordDroppedFrame("closed")
		return
	}

	if c.transport == nil {
		if _, err := c.fallback.Write(frame); err != nil {
			c.dropped++
			metrics.RecordDroppedFrame("fallback")
			return
		}
		c.emitted++
		return
	}

	if c.broken != nil {
		c.dropped++
		metrics.RecordDroppedFrame("transport")
		return
	}

	// Each frame is flushed on its own so the controller sees progress live.
	if _, err := c.writer.Write(frame); err == nil {
		err = c.writer.Flush()
		if err == nil {
			c.emitted++
			metrics.RecordEmittedFrame(string(m.Type))
			return
		}
		c.markBroken(err)
	} else {
		c.markBroken(err)
	}
	c.dropped++
	metrics.RecordDroppedFrame("transport")
}

// markBroken must be called with mu held
func (c *Channel) markBroken(err error) {
	c.broken = fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	c.log.Warn("Reporter transport failed, dropping further messages", "err", err)
}

func (c *Channel) countDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// Close flushes and releases the transport. Only the first call does any work; later
// calls are no-ops returning nil.
func (c *Channel) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.closed = true
		if c.transport == nil {
			return
		}
		var errs []error
		if c.broken == nil {
			if err := c.writer.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("flushing reporter channel: %w", err))
			}
		}
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing reporter transport: %w", err))
		}
		closeErr = errors.Join(errs...)
		c.log.Debug("Reporter channel closed", "emitted", c.emitted, "dropped", c.dropped)
	})
	return closeErr
}

// Err returns the transport failure, if any
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Emitted returns how many frames were written successfully
func (c *Channel) Emitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// Dropped returns how many frames were lost
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
