// Package relay implements the middle-tier session manager. A Session sits
// between one client WebSocket and one upstream provider connection,
// enforces server-held session policy, forwards events bidirectionally and
// intercepts tool calls to run grounding retrieval.
package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicerag/relay/internal/rtevent"
	"github.com/voicerag/relay/internal/search"
	"github.com/voicerag/relay/internal/upstream"
)

// State is the session lifecycle. Closed is terminal: a new start creates a
// fresh Session rather than reusing the old one.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the client-facing socket surface the session drives.
// *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// UpstreamConn is the provider connection owned by the session.
// *upstream.Client satisfies it.
type UpstreamConn interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Events() <-chan []byte
	Err() error
	Close() error
}

// ToolExecutor runs one grounding retrieval per model tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, arguments string) search.ToolResultPayload
}

// defaultDrainTimeout bounds the Closing state.
const defaultDrainTimeout = 2 * time.Second

type pendingCall struct {
	callID         string
	previousItemID string
}

type toolCompletion struct {
	callID         string
	previousItemID string
	name           string
	payload        search.ToolResultPayload
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDrainTimeout bounds how long Closing waits for in-flight upstream
// events before the connection is released.
func WithDrainTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.drainTimeout = d
	}
}

// Session owns exactly one conversation: the upstream connection handle,
// the enforced policy and the mutable listening flag. All state mutation
// happens on the Run goroutine; other components hold no references into it
// and interact only through events.
type Session struct {
	id      string
	logger  *slog.Logger
	client  ClientConn
	up      UpstreamConn
	tool    ToolExecutor
	variant upstream.Variant
	policy  upstream.SessionPolicy

	state        atomic.Int32
	drainTimeout time.Duration

	// Owned by the Run goroutine.
	isListening        bool
	pending            map[string]pendingCall
	inFlight           int
	sawToolCalls       bool
	continueAfterTools bool
	toolCtx            context.Context

	clientIn chan []byte
	toolDone chan toolCompletion
	done     chan struct{}
}

// NewSession wires a session. Run drives it to completion.
func NewSession(client ClientConn, up UpstreamConn, tool ToolExecutor, variant upstream.Variant, policy upstream.SessionPolicy, opts ...SessionOption) *Session {
	s := &Session{
		id:           uuid.New().String(),
		logger:       slog.Default(),
		client:       client,
		up:           up,
		tool:         tool,
		variant:      variant,
		policy:       policy,
		drainTimeout: defaultDrainTimeout,
		pending:      make(map[string]pendingCall),
		clientIn:     make(chan []byte, 16),
		toolDone:     make(chan toolCompletion, 4),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("session state", slog.String("state", st.String()))
}

// Run connects upstream, injects the enforced session policy and forwards
// events until either side ends the conversation. It always leaves the
// session Closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	s.setState(StateConnecting)
	if err := s.up.Connect(ctx); err != nil {
		s.logger.Error("upstream connect failed", slog.String("error", err.Error()))
		s.writeClient(rtevent.NewError("voice service unavailable").Raw)
		return err
	}

	// Non-negotiable session policy goes out before any client traffic.
	initial := map[string]any{}
	s.policy.ApplyUpstream(initial, s.variant)
	if err := s.up.Send(rtevent.NewSessionUpdate(initial).Raw); err != nil {
		s.logger.Error("initial session.update failed", slog.String("error", err.Error()))
		s.writeClient(rtevent.NewError("voice service unavailable").Raw)
		return err
	}

	s.setState(StateActive)
	s.logger.Info("session active", slog.String("variant", s.variant.Name()))

	// Tool calls outlive a client stop: retrieval is never aborted
	// mid-flight, its result is simply discarded if we are gone.
	s.toolCtx = context.WithoutCancel(ctx)

	go s.readClient()

	for {
		select {
		case <-ctx.Done():
			return nil

		case data, ok := <-s.clientIn:
			if !ok {
				s.logger.Info("client disconnected")
				return nil
			}
			if err := s.handleClientEvent(data); err != nil {
				s.writeClient(rtevent.NewError("voice service connection lost").Raw)
				return err
			}

		case data, ok := <-s.up.Events():
			if !ok {
				if err := s.up.Err(); err != nil {
					s.logger.Error("upstream connection lost", slog.String("error", err.Error()))
					s.writeClient(rtevent.NewError("voice service connection lost").Raw)
					return err
				}
				s.logger.Info("upstream closed")
				return nil
			}
			if err := s.handleUpstreamEvent(data); err != nil {
				return err
			}

		case tc := <-s.toolDone:
			if err := s.handleToolCompletion(tc); err != nil {
				return err
			}
		}
	}
}

// close drives Closing -> Closed: stop feeding tool results, release the
// upstream connection and drain whatever it still delivers, bounded.
func (s *Session) close() {
	s.setState(StateClosing)
	close(s.done)
	_ = s.up.Close()

	deadline := time.NewTimer(s.drainTimeout)
	defer deadline.Stop()
drain:
	for {
		select {
		case _, ok := <-s.up.Events():
			if !ok {
				break drain
			}
		case <-deadline.C:
			break drain
		}
	}

	_ = s.client.Close()
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

func (s *Session) readClient() {
	defer close(s.clientIn)
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.clientIn <- data:
		case <-s.done:
			return
		}
	}
}

// handleClientEvent forwards one client event upstream, enforcing policy on
// session.update and tracking the listening flag on audio buffer events.
func (s *Session) handleClientEvent(data []byte) error {
	env, err := rtevent.Parse(data)
	if err != nil {
		s.logger.Warn("dropping malformed client event", slog.String("error", err.Error()))
		return nil
	}

	switch env.Type {
	case rtevent.KindSessionUpdate:
		var se rtevent.SessionEnvelope
		if err := env.Decode(&se); err != nil {
			s.logger.Warn("dropping malformed session.update", slog.String("error", err.Error()))
			return nil
		}
		if se.Session == nil {
			se.Session = map[string]any{}
		}
		s.policy.ApplyUpstream(se.Session, s.variant)
		out, err := se.Encode()
		if err != nil {
			return err
		}
		return s.up.Send(out.Raw)

	case rtevent.KindInputAudioAppend:
		// Audio frames go out verbatim and immediately; a pending tool
		// call never queues them.
		s.isListening = true
		return s.up.Send(data)

	case rtevent.KindInputAudioClear:
		// The client stopped recording; later audio deltas are dropped
		// until it appends again.
		s.isListening = false
		return s.up.Send(data)

	default:
		return s.up.Send(data)
	}
}

// handleUpstreamEvent applies the interception rules and forwards the rest
// to the client unchanged.
func (s *Session) handleUpstreamEvent(data []byte) error {
	env, err := rtevent.Parse(data)
	if err != nil {
		s.logger.Warn("dropping malformed upstream event", slog.String("error", err.Error()))
		return nil
	}

	switch env.Type {
	case rtevent.KindSessionCreated:
		var se rtevent.SessionEnvelope
		if err := env.Decode(&se); err != nil {
			s.logger.Warn("dropping malformed session.created", slog.String("error", err.Error()))
			return nil
		}
		if se.Session == nil {
			se.Session = map[string]any{}
		}
		s.policy.ScrubForClient(se.Session, s.variant)
		out, err := se.Encode()
		if err != nil {
			return err
		}
		return s.writeClient(out.Raw)

	case rtevent.KindOutputItemAdded:
		if isFunctionCall(env) {
			return nil
		}
		return s.writeClient(data)

	case rtevent.KindItemCreated:
		var ie rtevent.ItemEnvelope
		if err := env.Decode(&ie); err != nil || ie.Item == nil {
			return s.writeClient(data)
		}
		switch ie.Item.Type {
		case rtevent.ItemTypeFunctionCall:
			if _, ok := s.pending[ie.Item.CallID]; !ok {
				s.pending[ie.Item.CallID] = pendingCall{
					callID:         ie.Item.CallID,
					previousItemID: ie.PreviousItemID,
				}
			}
			return nil
		case rtevent.ItemTypeFunctionCallOutput:
			return nil
		default:
			return s.writeClient(data)
		}

	case rtevent.KindFunctionArgsDelta, rtevent.KindFunctionArgsDone:
		return nil

	case rtevent.KindOutputItemDone:
		var ie rtevent.ItemEnvelope
		if err := env.Decode(&ie); err != nil || ie.Item == nil {
			return s.writeClient(data)
		}
		if ie.Item.Type == rtevent.ItemTypeFunctionCall {
			s.startToolCall(*ie.Item)
			return nil
		}
		return s.writeClient(data)

	case rtevent.KindResponseDone:
		stripped, removed, err := rtevent.StripFunctionCalls(data)
		if err != nil {
			s.logger.Warn("dropping malformed response.done", slog.String("error", err.Error()))
			return nil
		}
		if len(s.pending) > 0 {
			// Calls announced but never completed; nothing will execute
			// them on this turn.
			s.pending = make(map[string]pendingCall)
		}
		if s.sawToolCalls {
			s.sawToolCalls = false
			if s.inFlight > 0 {
				s.continueAfterTools = true
			} else if err := s.up.Send(rtevent.NewResponseCreate().Raw); err != nil {
				return err
			}
		}
		if !removed {
			return s.writeClient(data)
		}
		return s.writeClient(stripped)

	case rtevent.KindResponseAudioDelta:
		if !s.isListening {
			// The provider may still be finishing a turn after the client
			// stopped recording.
			return nil
		}
		return s.writeClient(data)

	default:
		// input_audio_buffer.speech_started (the barge-in signal),
		// transcription results, provider errors: forwarded as-is.
		return s.writeClient(data)
	}
}

func isFunctionCall(env rtevent.Envelope) bool {
	var ie rtevent.ItemEnvelope
	if err := env.Decode(&ie); err != nil {
		return false
	}
	return ie.Item != nil && ie.Item.Type == rtevent.ItemTypeFunctionCall
}

// startToolCall launches retrieval without blocking the event loop; audio
// and every other event kind keep flowing while it runs.
func (s *Session) startToolCall(item rtevent.Item) {
	pc := s.pending[item.CallID]
	delete(s.pending, item.CallID)

	s.inFlight++
	s.sawToolCalls = true
	s.logger.Info("tool call intercepted",
		slog.String("tool", item.Name),
		slog.String("call_id", item.CallID))

	go func() {
		payload := s.tool.Execute(s.toolCtx, item.Arguments)
		select {
		case s.toolDone <- toolCompletion{
			callID:         item.CallID,
			previousItemID: pc.previousItemID,
			name:           item.Name,
			payload:        payload,
		}:
		case <-s.done:
			// Session already closed; the result is discarded.
		}
	}()
}

// handleToolCompletion returns the result to the model and mirrors the
// grounding payload to the client. When the last in-flight call of a
// completed response finishes, the model is asked to continue its turn.
func (s *Session) handleToolCompletion(tc toolCompletion) error {
	s.inFlight--

	encoded := tc.payload.Encode()
	if err := s.up.Send(rtevent.NewFunctionCallOutput(tc.callID, encoded).Raw); err != nil {
		return err
	}
	if err := s.writeClient(rtevent.NewExtensionToolResponse(tc.previousItemID, tc.name, encoded).Raw); err != nil {
		return err
	}

	if s.continueAfterTools && s.inFlight == 0 {
		s.continueAfterTools = false
		return s.up.Send(rtevent.NewResponseCreate().Raw)
	}
	return nil
}

func (s *Session) writeClient(data []byte) error {
	return s.client.WriteMessage(websocket.TextMessage, data)
}
