// Package transcript accumulates the text form of a voice conversation from
// the event stream. User entries come from finished input transcriptions,
// assistant entries from completed responses.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/voicerag/relay/internal/rtevent"
	"github.com/voicerag/relay/internal/search"
)

// Entry is one utterance in the conversation.
type Entry struct {
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

// Reduce maps one wire event to a transcript entry. It reports false for
// event kinds that carry no transcript text and for blank transcripts, which
// occur when an utterance was all silence.
func Reduce(env rtevent.Envelope) (Entry, bool) {
	switch env.Type {
	case rtevent.KindTranscriptionCompleted:
		var tc rtevent.TranscriptionCompleted
		if err := env.Decode(&tc); err != nil {
			return Entry{}, false
		}
		text := strings.TrimSpace(tc.Transcript)
		if text == "" {
			return Entry{}, false
		}
		return Entry{Text: text, IsUser: true}, true

	case rtevent.KindResponseDone:
		var done rtevent.ResponseDone
		if err := env.Decode(&done); err != nil {
			return Entry{}, false
		}
		text := assistantText(done)
		if text == "" {
			return Entry{}, false
		}
		return Entry{Text: text, IsUser: false}, true

	default:
		return Entry{}, false
	}
}

// assistantText joins the spoken content of a completed response. Audio
// blocks carry their text in transcript, text blocks in text; each block
// contributes whichever it has.
func assistantText(done rtevent.ResponseDone) string {
	var parts []string
	for _, item := range done.Response.Output {
		for _, block := range item.Content {
			text := block.Text
			if text == "" {
				text = block.Transcript
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Log is an append-only conversation transcript. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewLog creates an empty transcript.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Observe reduces one event and appends the resulting entry, if any.
func (l *Log) Observe(env rtevent.Envelope) (Entry, bool) {
	entry, ok := Reduce(env)
	if !ok {
		return Entry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.Timestamp = l.now()
	l.entries = append(l.entries, entry)
	return entry, true
}

// Entries returns a snapshot of the transcript in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len reports the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// GroundingLog collects the citations shown alongside the transcript.
// Append-only and never deduplicated: a chunk retrieved by two tool calls
// appears twice, in arrival order.
type GroundingLog struct {
	mu    sync.Mutex
	files []search.GroundingFile
}

// NewGroundingLog creates an empty citation collection.
func NewGroundingLog() *GroundingLog {
	return &GroundingLog{}
}

// Add appends the files of one tool result.
func (g *GroundingLog) Add(files []search.GroundingFile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files, files...)
}

// Files returns a snapshot of every citation so far.
func (g *GroundingLog) Files() []search.GroundingFile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]search.GroundingFile(nil), g.files...)
}
