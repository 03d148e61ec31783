// Package controller is the receiving end of the runner protocol. It listens on the
// loopback interface, accepts exactly one runner connection per run and rebuilds the
// progress of the run from the lifecycle messages it receives.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
)

// Host is the address the controller listens on
const Host = "127.0.0.1"

// ErrRunnerNotConnected is returned when the listener closed before a runner connected
var ErrRunnerNotConnected = errors.New("runner never connected")

// Config holds configuration for the controller
type Config struct {
	Log      log.Logger
	Port     int // 0 picks a free port
	Progress ProgressIndicator

	// OnMessage, when set, sees every decoded message in stream order
	OnMessage func(protocol.Message)
}

// Controller owns the listener of one run
type Controller struct {
	log       log.Logger
	listener  net.Listener
	progress  ProgressIndicator
	onMessage func(protocol.Message)

	closeOnce sync.Once
	closeErr  error
}

// Listen opens the listener on 127.0.0.1
func Listen(cfg Config) (*Controller, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	addr := net.JoinHostPort(Host, strconv.Itoa(cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	cfg.Log.Debug("Controller listening", "addr", l.Addr())
	return &Controller{
		log:       cfg.Log,
		listener:  l,
		progress:  cfg.Progress,
		onMessage: cfg.OnMessage,
	}, nil
}

// Port returns the port the runner has to connect to
func (c *Controller) Port() int {
	return c.listener.Addr().(*net.TCPAddr).Port
}

// Collect accepts one runner connection and reads it to the end, filling run.
// It returns when the runner closes the connection, ctx is done or the listener is
// closed before a runner connected.
func (c *Controller) Collect(ctx context.Context, run *Run) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	conn, err := c.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrRunnerNotConnected, err)
	}
	// only one runner per run
	_ = c.Close()

	stopConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopConn()
	defer conn.Close()

	c.log.Debug("Runner connected", "remote", conn.RemoteAddr(), "run", run.ID)
	return c.read(conn, run)
}

func (c *Controller) read(r io.Reader, run *Run) error {
	t := newTracker(run, c.progress)
	defer t.finish()

	reader := protocol.NewReader(r)
	reader.OnMalformed = func(frame []byte, err error) {
		run.Malformed++
		metrics.RecordMalformedFrame()
		c.log.Warn("Dropping malformed frame", "frame", string(frame), "err", err)
	}
	for {
		m, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading runner stream: %w", err)
		}
		metrics.RecordDecodedFrame(string(m.Type))
		if c.onMessage != nil {
			c.onMessage(m)
		}
		t.apply(m)
	}
}

// Close closes the listener. Accepted connections are not affected.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.listener.Close()
	})
	return c.closeErr
}
