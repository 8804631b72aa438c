package gearman

import (
	"bufio"
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Connection owns one TCP byte stream plus the framing codec. It dispatches
// decoded commands by name to subscribers and exposes pause/resume of its
// readable side, the mechanism the backpressure gate (see Client) is built
// on. All mutation of subscriber/pause state is guarded by one mutex, which
// is the Go realization of "serialize all Connection state through a
// single actor" (SPEC_FULL.md section 5).
type Connection struct {
	conn    net.Conn
	catalog *Catalog
	logger  *zap.Logger

	sendCh    chan *Command
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	paused    bool
	resumeCh  chan struct{}
	subs      map[string][]func(*Command)
	closeSubs []func(error)
	closed    bool

	group    *errgroup.Group
	groupCtx context.Context
}

// Dial opens a TCP connection to addr and wraps it in a Connection.
func Dial(ctx context.Context, addr string, catalog *Catalog, logger *zap.Logger) (*Connection, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapErr(KindDial, "dial "+addr, err)
	}
	return NewConnection(ctx, conn, catalog, logger), nil
}

// NewConnection wraps an already-established net.Conn. It launches a reader
// and a writer goroutine under an errgroup.Group, so a failure or Close on
// either tears down both.
func NewConnection(ctx context.Context, conn net.Conn, catalog *Catalog, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	g, gctx := errgroup.WithContext(ctx)
	c := &Connection{
		conn:     conn,
		catalog:  catalog,
		logger:   logger,
		sendCh:   make(chan *Command, 64),
		closeCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
		subs:     make(map[string][]func(*Command)),
		group:    g,
		groupCtx: gctx,
	}

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })

	go func() {
		err := g.Wait()
		c.conn.Close()
		c.mu.Lock()
		c.closed = true
		subs := c.closeSubs
		c.mu.Unlock()
		for _, h := range subs {
			h(err)
		}
	}()

	return c
}

func (c *Connection) readLoop(ctx context.Context) error {
	br := bufio.NewReaderSize(c.conn, 4096)
	for {
		err := c.waitIfPaused(ctx)
		var cmd *Command
		if err == nil {
			cmd, err = Decode(br, c.catalog)
		}
		if err != nil {
			select {
			case <-c.closeCh:
				// A read cut short by Close is a clean shutdown, not a failure.
				return nil
			default:
			}
			c.logger.Debug("read failed, closing connection", zap.Error(err))
			return err
		}
		c.logger.Debug("recv", zap.String("command", cmd.Type.Name), zap.Int("data_len", len(cmd.Data)))
		c.dispatch(cmd)
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case cmd := <-c.sendCh:
			c.logger.Debug("send", zap.String("command", cmd.Type.Name), zap.Int("data_len", len(cmd.Data)))
			if _, err := cmd.WriteTo(c.conn); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-c.closeCh:
			return nil
		}
	}
}

func (c *Connection) waitIfPaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.paused
		ch := c.resumeCh
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return newClosedError()
		}
	}
}

func (c *Connection) dispatch(cmd *Command) {
	c.mu.Lock()
	handlers := append([]func(*Command){}, c.subs[cmd.Type.Name]...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(cmd)
		}
	}
}

// Subscribe registers handler for every decoded command named name,
// invoked in the order subscriptions were added. The returned func removes
// the subscription.
func (c *Connection) Subscribe(name string, handler func(*Command)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.subs[name])
	c.subs[name] = append(c.subs[name], handler)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[name]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

// OnClose registers a handler invoked exactly once when the connection's
// I/O goroutines have both exited, with the terminal error (nil for a
// clean Close).
func (c *Connection) OnClose(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSubs = append(c.closeSubs, handler)
}

// Pause stops the reader from issuing further socket reads once the frame
// currently being processed is done dispatching. It is the backpressure
// gate's write side.
func (c *Connection) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume allows the reader to continue consuming frames.
func (c *Connection) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.resumeCh = make(chan struct{})
	}
}

// Send enqueues cmd for transmission. Commands are written in the exact
// order Send is called. Once the connection is closed Send fails with
// KindConnectionClosed.
func (c *Connection) Send(cmd *Command) error {
	select {
	case <-c.closeCh:
		return newClosedError()
	case <-c.groupCtx.Done():
		return newClosedError()
	default:
	}
	select {
	case c.sendCh <- cmd:
		return nil
	case <-c.groupCtx.Done():
		return newClosedError()
	}
}

// Close closes the underlying socket and waits for both I/O goroutines to
// exit, including one parked in Pause()'s wait.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
	return c.group.Wait()
}
