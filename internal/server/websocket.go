package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/voicerag/relay/internal/config"
	"github.com/voicerag/relay/internal/relay"
	"github.com/voicerag/relay/internal/upstream"
)

// RealtimeHandler upgrades /realtime requests and runs one relay session per
// socket. Each session gets its own upstream connection; nothing is shared
// between conversations.
type RealtimeHandler struct {
	logger   *slog.Logger
	variant  upstream.Variant
	model    config.ModelConfig
	policy   upstream.SessionPolicy
	tool     relay.ToolExecutor
	upgrader websocket.Upgrader
}

// NewRealtimeHandler wires the handler.
func NewRealtimeHandler(logger *slog.Logger, variant upstream.Variant, model config.ModelConfig, policy upstream.SessionPolicy, tool relay.ToolExecutor) *RealtimeHandler {
	return &RealtimeHandler{
		logger:  logger,
		variant: variant,
		model:   model,
		policy:  policy,
		tool:    tool,
		upgrader: websocket.Upgrader{
			// The frontend is served from this same process or a dev
			// server; the socket carries no credentials of its own.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	up := upstream.NewClient(h.variant, h.model,
		upstream.WithRequestID(GetRequestID(r.Context())))
	sess := relay.NewSession(conn, up, h.tool, h.variant, h.policy,
		relay.WithLogger(h.logger))
	AddLogField(r.Context(), "session_id", sess.ID())

	if err := sess.Run(r.Context()); err != nil {
		h.logger.Error("session ended with error",
			slog.String("session_id", sess.ID()),
			slog.String("error", err.Error()))
	}
}
