package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerag/relay/internal/config"
	"github.com/voicerag/relay/internal/rtevent"
	"github.com/voicerag/relay/internal/search"
	"github.com/voicerag/relay/internal/upstream"
)

type staticTool struct {
	payload search.ToolResultPayload
}

func (s staticTool) Execute(context.Context, string) search.ToolResultPayload {
	return s.payload
}

// startStack runs a fake provider and a relay in front of it, returning the
// relay's websocket URL and a channel of events the provider received.
func startStack(t *testing.T, provider func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("provider upgrade: %v", err)
			return
		}
		defer conn.Close()
		provider(conn)
	}))
	t.Cleanup(providerSrv.Close)

	model := config.ModelConfig{
		Endpoint:   providerSrv.URL,
		Deployment: "gpt-4o-realtime",
		APIVersion: "2025-04-01-preview",
		APIKey:     "k",
	}
	variant, err := upstream.ForVariant(config.VariantAOAIRealtime)
	if err != nil {
		t.Fatal(err)
	}
	policy := upstream.SessionPolicy{
		Instructions:  "server instructions",
		Voice:         "alloy",
		VADType:       config.VADServer,
		VAD:           config.VADConfig{Threshold: 0.5, PrefixPaddingMS: 300, SilenceDurationMS: 500},
		Transcription: "whisper-1",
		Tools:         []map[string]any{{"type": "function", "name": search.ToolName}},
	}
	tool := staticTool{payload: search.ToolResultPayload{Sources: []search.Source{
		{ChunkID: "c1", Title: "guide.pdf", Chunk: "covered"},
	}}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewRealtimeHandler(logger, variant, model, policy, tool)
	srv := New(0, logger, handler, "")

	relaySrv := httptest.NewServer(srv.Router)
	t.Cleanup(relaySrv.Close)
	return "ws" + strings.TrimPrefix(relaySrv.URL, "http") + "/realtime"
}

func TestRealtimeEndToEnd(t *testing.T) {
	providerGotAppend := make(chan string, 1)
	url := startStack(t, func(conn *websocket.Conn) {
		// First inbound event must be the enforced session.update.
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("provider read: %v", err)
			return
		}
		var se rtevent.SessionEnvelope
		if err := json.Unmarshal(data, &se); err != nil || se.Type != rtevent.KindSessionUpdate {
			t.Errorf("first provider event = %s", data)
			return
		}
		if se.Session["instructions"] != "server instructions" {
			t.Errorf("instructions = %v", se.Session["instructions"])
		}

		// Acknowledge the session the way the provider does.
		conn.WriteJSON(map[string]any{
			"type": rtevent.KindSessionCreated,
			"session": map[string]any{
				"id":           "sess_1",
				"instructions": "server instructions",
				"tools":        []any{map[string]any{"name": "search"}},
			},
		})

		// Then relay one microphone frame.
		_, data, err = conn.ReadMessage()
		if err != nil {
			return
		}
		var ev rtevent.AudioAppend
		if json.Unmarshal(data, &ev) == nil && ev.Type == rtevent.KindInputAudioAppend {
			providerGotAppend <- ev.Audio
		}

		// Keep the socket open until the relay hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("handshake response missing X-Request-ID")
	}

	// The scrubbed session.created arrives at the client.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var se rtevent.SessionEnvelope
	if err := json.Unmarshal(data, &se); err != nil || se.Type != rtevent.KindSessionCreated {
		t.Fatalf("client received %s, want session.created", data)
	}
	if se.Session["instructions"] != "" {
		t.Errorf("instructions leaked to client: %v", se.Session["instructions"])
	}
	if tools, _ := se.Session["tools"].([]any); len(tools) != 0 {
		t.Errorf("tools leaked to client: %v", tools)
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case audio := <-providerGotAppend:
		if audio != "AAAA" {
			t.Errorf("provider received audio %q", audio)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provider never received the microphone frame")
	}
}

func TestRealtimeUpstreamUnavailable(t *testing.T) {
	// Provider that refuses the upgrade entirely.
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(providerSrv.Close)

	model := config.ModelConfig{
		Endpoint:   providerSrv.URL,
		Deployment: "gpt-4o-realtime",
		APIVersion: "2025-04-01-preview",
		APIKey:     "k",
	}
	variant, _ := upstream.ForVariant(config.VariantAOAIRealtime)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewRealtimeHandler(logger, variant, model, upstream.SessionPolicy{}, staticTool{})
	srv := New(0, logger, handler, "")
	relaySrv := httptest.NewServer(srv.Router)
	t.Cleanup(relaySrv.Close)

	url := "ws" + strings.TrimPrefix(relaySrv.URL, "http") + "/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var ev rtevent.ErrorEvent
	if json.Unmarshal(data, &ev) != nil || ev.Type != rtevent.KindError {
		t.Fatalf("client received %s, want error event", data)
	}
	if ev.Message == "" {
		t.Error("error event has no message")
	}
}

func TestHealthEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(0, logger, http.NotFoundHandler(), "")
	relaySrv := httptest.NewServer(srv.Router)
	t.Cleanup(relaySrv.Close)

	resp, err := http.Get(relaySrv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
