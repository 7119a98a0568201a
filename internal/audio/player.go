// Package audio handles the PCM frames on both sides of a voice session:
// queueing synthesized output for playback and slicing microphone input into
// wire-sized frames.
package audio

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// Player buffers synthesized audio frames in arrival order until a consumer
// drains them. Safe for concurrent use.
type Player struct {
	mu      sync.Mutex
	queue   [][]byte
	flushes int
}

// NewPlayer creates an empty playback queue.
func NewPlayer() *Player {
	return &Player{}
}

// Play decodes one base64 PCM frame and enqueues it.
func (p *Player) Play(b64 string) error {
	frame, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode audio frame: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, frame)
	return nil
}

// Next pops the oldest queued frame. It reports false when the queue is
// empty.
func (p *Player) Next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	return frame, true
}

// Flush discards every queued frame. Called on barge-in so stale assistant
// audio never plays after the user starts talking.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.flushes++
}

// Reset returns the player to its initial state, clearing the queue and the
// flush counter. Used when a conversation restarts on the same player.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.flushes = 0
}

// Len reports the number of queued frames.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flushes reports how many times the queue was flushed.
func (p *Player) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}
