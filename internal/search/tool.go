package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ToolName is the single tool declared to the voice model.
const ToolName = "search"

// Source is one grounding document chunk returned to the model.
type Source struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// ToolResultPayload is the validated result of one tool call. It is decoded
// or built exactly once at the boundary and exists only while that call's
// events are produced.
type ToolResultPayload struct {
	Sources []Source `json:"sources"`
}

// Encode serializes the payload for the function_call_output event and the
// client mirror event.
func (p ToolResultPayload) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		// Sources are plain strings; this cannot fail on real data.
		return `{"sources":[]}`
	}
	return string(data)
}

// ParseToolResult decodes a tool_result string from the wire, rejecting
// payloads that do not match the schema.
func ParseToolResult(raw string) (ToolResultPayload, error) {
	var p ToolResultPayload
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return ToolResultPayload{}, fmt.Errorf("tool result schema mismatch: %w", err)
	}
	return p, nil
}

// GroundingFile is the client-visible projection of one retrieved chunk.
type GroundingFile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// GroundingFiles maps the payload's sources to client-visible files.
// Duplicates across repeated calls are preserved; deduplication is the
// consumer's decision, not the tool's.
func (p ToolResultPayload) GroundingFiles() []GroundingFile {
	files := make([]GroundingFile, 0, len(p.Sources))
	for _, s := range p.Sources {
		files = append(files, GroundingFile{ID: s.ChunkID, Name: s.Title, Content: s.Chunk})
	}
	return files
}

// QueryClient is the retrieval dependency of the tool.
type QueryClient interface {
	Query(ctx context.Context, text string) ([]Document, error)
}

// Tool executes the model's search calls against the retrieval backend.
type Tool struct {
	client QueryClient
	fields FieldMapping
	logger *slog.Logger
}

// NewTool creates the grounding tool executor.
func NewTool(client QueryClient, fields FieldMapping, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{client: client, fields: fields, logger: logger}
}

// Schema is the tool declaration sent to the model in session.update.
func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        ToolName,
		"description": "Search the knowledge base. Results are formatted as a source name first in square brackets, followed by the text content.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

type toolArguments struct {
	Query string `json:"query"`
}

// Execute runs one retrieval for the model-provided arguments. Retrieval
// failure is non-fatal: the returned payload has an empty source list and
// the conversation continues without grounding.
func (t *Tool) Execute(ctx context.Context, arguments string) ToolResultPayload {
	var args toolArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		t.logger.Warn("tool call arguments did not parse, returning empty grounding",
			slog.String("error", err.Error()))
		return ToolResultPayload{Sources: []Source{}}
	}

	docs, err := t.client.Query(ctx, args.Query)
	if err != nil {
		t.logger.Warn("retrieval failed, returning empty grounding",
			slog.String("query", args.Query),
			slog.String("error", err.Error()))
		return ToolResultPayload{Sources: []Source{}}
	}

	sources := make([]Source, 0, len(docs))
	for _, doc := range docs {
		sources = append(sources, Source{
			ChunkID: doc.StringField(t.fields.Identifier),
			Title:   doc.StringField(t.fields.Title),
			Chunk:   doc.StringField(t.fields.Content),
		})
	}
	return ToolResultPayload{Sources: sources}
}
