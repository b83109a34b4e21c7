// Package mock provides in-memory implementations of [device.Capture] and
// [device.Playback] for unit tests and the demo client.
//
// All mocks are safe for concurrent use. Capture chunks are fed by the test
// via [Capture.Feed]; playback records every written buffer so tests can
// assert on the produced audio.
package mock

import (
	"sync"

	"github.com/quartzchat/quartz-voice/pkg/voice/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture  = (*Capture)(nil)
	_ device.Playback = (*Playback)(nil)
)

// Capture is a scriptable [device.Capture]. Feed chunks from the test; the
// channel is buffered so feeding never blocks until the buffer fills.
type Capture struct {
	ch        chan []byte
	closeOnce sync.Once
}

// NewCapture creates a mock capture device with the given channel buffer.
func NewCapture(buffer int) *Capture {
	if buffer <= 0 {
		buffer = 64
	}
	return &Capture{ch: make(chan []byte, buffer)}
}

// Feed delivers one PCM chunk as if from the driver. Returns false when the
// internal buffer is full and the chunk was dropped — the same behaviour a
// real driver adapter has when the consumer falls behind.
func (c *Capture) Feed(chunk []byte) bool {
	select {
	case c.ch <- chunk:
		return true
	default:
		return false
	}
}

// Chunks implements [device.Capture].
func (c *Capture) Chunks() <-chan []byte { return c.ch }

// Close implements [device.Capture]. Idempotent.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() { close(c.ch) })
	return nil
}

// Playback is a recording [device.Playback]. Every written buffer is copied
// and retained for inspection.
type Playback struct {
	mu      sync.Mutex
	buffers [][]byte
	closed  bool
}

// NewPlayback creates a mock playback device.
func NewPlayback() *Playback {
	return &Playback{}
}

// Write implements [device.Playback]. Writes after Close are dropped.
func (p *Playback) Write(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.buffers = append(p.buffers, append([]byte(nil), pcm...))
}

// Close implements [device.Playback]. Idempotent.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Buffers returns a snapshot of everything written so far.
func (p *Playback) Buffers() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.buffers))
	copy(out, p.buffers)
	return out
}
