// Package voiceclient is a Go client for the relay's /realtime endpoint. It
// streams microphone audio up, queues synthesized audio for playback and
// accumulates the transcript and grounding citations as the conversation
// progresses.
package voiceclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voicerag/relay/internal/audio"
	"github.com/voicerag/relay/internal/rtevent"
	"github.com/voicerag/relay/internal/search"
	"github.com/voicerag/relay/internal/transcript"
)

// ErrServerError is wrapped around error events received from the relay.
var ErrServerError = errors.New("voice server error")

// Option configures a client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is one live voice conversation. Create it with Dial; reading starts
// immediately and continues until Close or a server-side disconnect.
type Client struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	conn   *websocket.Conn

	player    *audio.Player
	log       *transcript.Log
	grounding *transcript.GroundingLog

	mu      sync.Mutex
	readErr error

	writeMu   sync.Mutex
	stopped   atomic.Bool
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and starts consuming server events.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:    slog.Default(),
		dialer:    websocket.DefaultDialer,
		player:    audio.NewPlayer(),
		log:       transcript.NewLog(),
		grounding: transcript.NewGroundingLog(),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn
	go c.readLoop()
	return c, nil
}

// Start streams microphone frames from capture until the source is
// exhausted, the context ends, or Stop is called.
func (c *Client) Start(ctx context.Context, capture audio.Capture) error {
	c.stopped.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}
		if c.stopped.Load() {
			return nil
		}
		frame, err := capture.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		if err := c.send(rtevent.NewAudioAppend(audio.EncodeFrame(frame)).Raw); err != nil {
			return err
		}
	}
}

// Stop ends the current capture and tells the relay to halt assistant audio
// until the next Start.
func (c *Client) Stop() error {
	c.stopped.Store(true)
	return c.send(rtevent.NewInputAudioClear().Raw)
}

// Player is the playback queue fed by the server's audio deltas.
func (c *Client) Player() *audio.Player { return c.player }

// Transcript is a snapshot of the conversation so far.
func (c *Client) Transcript() []transcript.Entry { return c.log.Entries() }

// GroundingFiles is a snapshot of every citation received so far, in arrival
// order, duplicates included.
func (c *Client) GroundingFiles() []search.GroundingFile {
	return c.grounding.Files()
}

// Done is closed when the server connection ends. Check Err afterwards.
func (c *Client) Done() <-chan struct{} { return c.readDone }

// Err reports why the connection ended, nil for a local Close or a graceful
// server shutdown.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close hangs up. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.setErr(fmt.Errorf("server connection lost: %w", err))
				}
			}
			return
		}
		c.handle(data)
	}
}

// handle dispatches one server event. Unknown kinds are ignored so the relay
// can grow its vocabulary without breaking older clients.
func (c *Client) handle(data []byte) {
	env, err := rtevent.Parse(data)
	if err != nil {
		c.logger.Warn("dropping malformed server event", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case rtevent.KindResponseAudioDelta:
		var delta rtevent.AudioDelta
		if err := env.Decode(&delta); err != nil {
			c.logger.Warn("bad audio delta", slog.String("error", err.Error()))
			return
		}
		if err := c.player.Play(delta.Delta); err != nil {
			c.logger.Warn("undecodable audio frame dropped", slog.String("error", err.Error()))
		}

	case rtevent.KindSpeechStarted:
		// Barge-in: the user is talking, stale assistant audio must not
		// play after this point.
		c.player.Flush()

	case rtevent.KindTranscriptionCompleted, rtevent.KindResponseDone:
		c.log.Observe(env)

	case rtevent.KindExtensionToolResponse:
		var ext rtevent.ExtensionToolResponse
		if err := env.Decode(&ext); err != nil {
			c.logger.Warn("bad tool response event", slog.String("error", err.Error()))
			return
		}
		payload, err := search.ParseToolResult(ext.ToolResult)
		if err != nil {
			c.logger.Warn("tool result rejected", slog.String("error", err.Error()))
			return
		}
		c.grounding.Add(payload.GroundingFiles())

	case rtevent.KindError:
		var ev rtevent.ErrorEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		c.logger.Error("server error event", slog.String("message", ev.Message))
		c.setErr(fmt.Errorf("%w: %s", ErrServerError, ev.Message))

	default:
		// session.created, session.updated and the rest carry nothing the
		// client tracks.
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}
