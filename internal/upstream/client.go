package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voicerag/relay/internal/config"
)

// ErrNotConnected is returned by Send before Connect has completed.
// Sending early is a programmer error; fail fast.
var ErrNotConnected = errors.New("upstream session not connected")

// ErrUpstreamDisconnected marks a terminal provider connection failure.
// There is no automatic reconnection: the session that owns this client
// ends and the client-facing side is told via an error event.
var ErrUpstreamDisconnected = errors.New("upstream disconnected")

// eventBuffer keeps the reader ahead of the session loop without letting an
// unrelated slow event stall the socket read.
const eventBuffer = 16

// ClientOption configures the client.
type ClientOption func(*Client)

// WithRequestID forwards the client's request id to the provider dial.
func WithRequestID(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.header.Set("x-ms-client-request-id", id)
		}
	}
}

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client owns one long-lived duplex connection to the provider for the
// lifetime of a session. Events arrive in provider order on Events(); the
// channel closes on any terminal read failure, after which Err() reports it.
type Client struct {
	variant Variant
	cfg     config.ModelConfig
	header  http.Header
	dialer  *websocket.Dialer

	connected atomic.Bool
	writeMu   sync.Mutex
	conn      *websocket.Conn

	events chan []byte
	done   chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// NewClient creates a client for one session. Connect must be called before
// Send.
func NewClient(variant Variant, cfg config.ModelConfig, opts ...ClientOption) *Client {
	c := &Client{
		variant: variant,
		cfg:     cfg,
		header:  http.Header{},
		dialer:  websocket.DefaultDialer,
		events:  make(chan []byte, eventBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the provider endpoint for this client's variant and starts
// the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialURL, err := c.variant.DialURL(c.cfg)
	if err != nil {
		return err
	}

	header := c.variant.AuthHeader(c.cfg)
	for k, vs := range c.header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", c.variant.Name(), resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.variant.Name(), err)
	}

	c.conn = conn
	c.connected.Store(true)
	go c.readLoop()
	return nil
}

// Send writes one event to the provider. Events are written in call order;
// callers serialize through the session loop.
func (c *Client) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamDisconnected, err)
	}
	return nil
}

// Events is the FIFO stream of provider events. The channel closes when the
// connection ends; check Err afterwards to distinguish shutdown from
// failure.
func (c *Client) Events() <-chan []byte {
	return c.events
}

// Err reports the terminal connection error, if any, once Events has
// closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local Close; not a provider failure.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.setErr(fmt.Errorf("%w: %v", ErrUpstreamDisconnected, err))
				}
			}
			return
		}
		select {
		case c.events <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
