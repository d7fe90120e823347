package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ConnectionHeader carries the client generated connection id
const ConnectionHeader = "X-Lvt-Connection"

// Client is a websocket connection that feeds a Handler and implements
// Sender. Reconnection is left to the caller.
type Client struct {
	conn   *websocket.Conn
	id     string
	out    chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
	stopOn func(error) bool

	writeTimeout time.Duration
}

type dialConfig struct {
	dialer       *websocket.Dialer
	header       http.Header
	logger       *slog.Logger
	stopOn       func(error) bool
	queue        int
	writeTimeout time.Duration
}

// Option configures Dial
type Option func(*dialConfig)

// WithDialer replaces websocket.DefaultDialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *dialConfig) {
		c.dialer = d
	}
}

// WithHeader adds request headers to the handshake
func WithHeader(h http.Header) Option {
	return func(c *dialConfig) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *dialConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// StopOn makes Run return when the handler reports an error matching fn.
// Other handler errors are logged and the loop continues.
func StopOn(fn func(error) bool) Option {
	return func(c *dialConfig) {
		c.stopOn = fn
	}
}

// WithQueue sets the outbound event buffer size
func WithQueue(n int) Option {
	return func(c *dialConfig) {
		if n > 0 {
			c.queue = n
		}
	}
}

// Dial opens a connection to rawURL
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	cfg := &dialConfig{
		dialer:       websocket.DefaultDialer,
		header:       make(http.Header),
		logger:       slog.Default(),
		stopOn:       func(error) bool { return false },
		queue:        64,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	id := uuid.NewString()
	cfg.header.Set(ConnectionHeader, id)

	conn, _, err := cfg.dialer.DialContext(ctx, rawURL, cfg.header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	cfg.logger.Debug("connected", "url", rawURL, "connection", id)

	return &Client{
		conn:         conn,
		id:           id,
		out:          make(chan Event, cfg.queue),
		done:         make(chan struct{}),
		logger:       cfg.logger,
		stopOn:       cfg.stopOn,
		writeTimeout: cfg.writeTimeout,
	}, nil
}

// ID returns the connection id sent in the handshake
func (c *Client) ID() string {
	return c.id
}

// Send queues ev for the write loop
func (c *Client) Send(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads messages into h and writes queued events until the context is
// cancelled, the connection closes, or h reports a stopping error.
func (c *Client) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer c.Close()
		return c.readLoop(h)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			c.Close()
		case <-c.done:
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(h Handler) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping inbound frame", "connection", c.id, "error", err)
			continue
		}

		if err := h.HandleMessage(msg); err != nil {
			if c.stopOn(err) {
				return err
			}
			c.logger.Warn("message handling failed", "connection", c.id, "scope", msg.Scope, "ref", msg.Ref, "error", err)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case ev := <-c.out:
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Warn("failed to marshal event", "ref", ev.Ref, "error", err)
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return fmt.Errorf("failed to set write deadline: %w", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if c.closed() {
					return nil
				}
				return fmt.Errorf("websocket write failed: %w", err)
			}
		}
	}
}
