// Package jitter implements the per-speaker jitter buffer: it absorbs
// arrival jitter, loss, and reordering on one remote speaker's packet
// stream and emits at most one frame per 20 ms playback tick.
//
// The buffer adapts its target depth to observed arrival jitter, trading
// latency for resilience as network conditions change. All sequence
// arithmetic is wraparound-safe via [voice.SeqDistance].
package jitter

import (
	"sync"
	"time"

	"github.com/quartzchat/quartz-voice/pkg/voice"
)

// Depth bounds and adaptation parameters. Depths are in 20 ms frames.
const (
	// DefaultMinDepth is the adaptation floor.
	DefaultMinDepth = 1

	// DefaultDepth is the initial target depth.
	DefaultDepth = 2

	// DefaultMaxDepth is the adaptation cap. The hard eviction cap is
	// three times this value.
	DefaultMaxDepth = 10

	// deviationWindow is how many inter-arrival samples the rolling
	// deviation window holds.
	deviationWindow = 50

	// adaptMinSamples is the minimum number of window samples before the
	// target depth may adapt.
	adaptMinSamples = 20

	// increaseThreshold grows the target depth when the mean deviation
	// from the 20 ms cadence exceeds it.
	increaseThreshold = 30 * time.Millisecond

	// decreaseThreshold shrinks the target depth when the mean deviation
	// falls below it.
	decreaseThreshold = 10 * time.Millisecond

	// smallGapLimit is the largest run of missing sequence numbers that is
	// concealed in place; larger gaps skip forward instead.
	smallGapLimit = 3
)

// PopKind classifies the outcome of a [Buffer.Pop] call.
type PopKind int

const (
	// PopNone means no frame is available this tick: the buffer is empty
	// or still filling to its target depth. The tick plays silence.
	PopNone PopKind = iota

	// PopFrame means a payload was extracted for normal decoding.
	PopFrame

	// PopConceal means the expected packet is missing inside a small gap;
	// the caller must synthesise exactly one concealment frame. The slot
	// is consumed — a late arrival for it will be discarded as stale.
	PopConceal
)

// Config bounds the adaptive target depth. Zero fields take the defaults.
type Config struct {
	MinDepth     int
	InitialDepth int
	MaxDepth     int
}

// Buffer reorders one remote speaker's packets. Created lazily on the first
// packet from a sender; Reset returns it to the not-started state.
//
// Safe for one concurrent writer (receive loop calling Push) and one reader
// (playback tick calling Pop); a single mutex guards the brief critical
// sections.
type Buffer struct {
	cfg Config

	mu      sync.Mutex
	frames  map[uint16][]byte
	nextSeq uint16
	started bool

	targetDepth int

	// Rolling inter-arrival deviation window for depth adaptation.
	deviations  []time.Duration
	lastArrival time.Time

	// Cumulative stream statistics for loss inference.
	received uint64
	span     uint64 // sequence slots spanned from the first packet
	highSeq  uint16 // high-water sequence number
	conceals uint64
	skips    uint64

	now func() time.Time // overridden in tests
}

// Stats is a snapshot of cumulative stream counters, used by the session's
// quality estimator to infer packet loss over a window.
type Stats struct {
	// Received counts packets accepted by Push.
	Received uint64

	// Expected counts the sequence slots spanned by the stream so far;
	// Expected − Received is the inferred loss.
	Expected uint64

	// Conceals counts concealment pops; Skips counts forward skips.
	Conceals uint64
	Skips    uint64
}

// New creates a Buffer with the given depth bounds, filling in defaults for
// zero fields.
func New(cfg Config) *Buffer {
	if cfg.MinDepth <= 0 {
		cfg.MinDepth = DefaultMinDepth
	}
	if cfg.InitialDepth <= 0 {
		cfg.InitialDepth = DefaultDepth
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.InitialDepth < cfg.MinDepth {
		cfg.InitialDepth = cfg.MinDepth
	}
	if cfg.InitialDepth > cfg.MaxDepth {
		cfg.InitialDepth = cfg.MaxDepth
	}
	return &Buffer{
		cfg:         cfg,
		frames:      make(map[uint16][]byte),
		targetDepth: cfg.InitialDepth,
		now:         time.Now,
	}
}

// Push inserts a received packet. The first packet seeds the expected
// sequence; packets behind it are discarded as stale; when the buffer
// exceeds its hard cap the oldest entry is evicted.
func (b *Buffer) Push(seq uint16, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.nextSeq = seq
		b.started = true
	}

	if voice.SeqDistance(seq, b.nextSeq) < 0 {
		// The slot was already played, concealed, or skipped past. Storing
		// it would let the skip path replay stale audio.
		return
	}

	b.frames[seq] = append([]byte(nil), payload...)
	b.received++
	b.trackExtent(seq)
	b.recordArrival()

	// Hard cap against unbounded growth from a runaway sender or a
	// stalled consumer.
	if len(b.frames) > 3*b.cfg.MaxDepth {
		b.evictOldest()
	}
}

// Pop emits at most one frame for the current playback tick. The returned
// payload is only valid when kind is [PopFrame].
func (b *Buffer) Pop() (payload []byte, kind PopKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started || len(b.frames) == 0 {
		return nil, PopNone
	}

	if len(b.frames) < b.targetDepth {
		oldest := b.oldestSeq()
		if voice.SeqDistance(oldest, b.nextSeq) <= 2*b.cfg.MaxDepth {
			// Still buffering up to the target depth.
			return nil, PopNone
		}
		// Every buffered packet is far ahead of the expected sequence:
		// the expected ones will never arrive (e.g. after the sender
		// paused). Resynchronise instead of waiting forever.
		b.nextSeq = oldest
	}

	// Expected packet present: the normal case.
	if data, ok := b.frames[b.nextSeq]; ok {
		delete(b.frames, b.nextSeq)
		b.nextSeq++
		return data, PopFrame
	}

	// Missing, but a packet exists within a small gap ahead: conceal
	// exactly one frame and keep the timeline contiguous.
	for i := 1; i <= smallGapLimit; i++ {
		if _, ok := b.frames[b.nextSeq+uint16(i)]; ok {
			b.nextSeq++
			b.conceals++
			return nil, PopConceal
		}
	}

	// Large gap: skip forward to the earliest available packet, accepting
	// an audible jump over indefinite silence.
	oldest := b.oldestSeq()
	data := b.frames[oldest]
	delete(b.frames, oldest)
	b.nextSeq = oldest + 1
	b.skips++
	return data, PopFrame
}

// Reset clears all state and returns the buffer to not-started. Used on
// channel leave/rejoin.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = make(map[uint16][]byte)
	b.nextSeq = 0
	b.started = false
	b.targetDepth = b.cfg.InitialDepth
	b.deviations = b.deviations[:0]
	b.lastArrival = time.Time{}
	b.received = 0
	b.span = 0
	b.highSeq = 0
	b.conceals = 0
	b.skips = 0
}

// TargetDepth returns the current adaptive target depth in frames.
func (b *Buffer) TargetDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetDepth
}

// NextSequence returns the next expected sequence number. Meaningful only
// after the first Push.
func (b *Buffer) NextSequence() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Len returns the number of buffered packets.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Stats returns a snapshot of the cumulative stream counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Received: b.received,
		Expected: b.span,
		Conceals: b.conceals,
		Skips:    b.skips,
	}
}

// trackExtent grows the spanned-slot count when seq advances the stream's
// high-water mark. The span is the number of sequence slots the sender has
// used so far; the gap between it and the received counter is inferred loss.
func (b *Buffer) trackExtent(seq uint16) {
	if b.span == 0 {
		b.span = 1
		b.highSeq = seq
		return
	}
	if d := voice.SeqDistance(seq, b.highSeq); d > 0 {
		b.span += uint64(d)
		b.highSeq = seq
	}
}

// recordArrival feeds the inter-arrival deviation window and runs one
// adaptation step when enough samples are available.
func (b *Buffer) recordArrival() {
	now := b.now()
	if !b.lastArrival.IsZero() {
		dev := now.Sub(b.lastArrival) - voice.FrameDuration
		if dev < 0 {
			dev = -dev
		}
		b.deviations = append(b.deviations, dev)
		if len(b.deviations) > deviationWindow {
			b.deviations = b.deviations[len(b.deviations)-deviationWindow:]
		}
		b.adapt()
	}
	b.lastArrival = now
}

// adapt adjusts the target depth by one step when the mean deviation
// crosses a threshold, then restarts the window so each adaptation cycle
// judges fresh samples.
func (b *Buffer) adapt() {
	if len(b.deviations) < adaptMinSamples {
		return
	}
	var sum time.Duration
	for _, d := range b.deviations {
		sum += d
	}
	mean := sum / time.Duration(len(b.deviations))

	switch {
	case mean > increaseThreshold && b.targetDepth < b.cfg.MaxDepth:
		b.targetDepth++
	case mean < decreaseThreshold && b.targetDepth > b.cfg.MinDepth:
		b.targetDepth--
	default:
		return
	}
	b.deviations = b.deviations[:0]
}

// oldestSeq returns the buffered sequence number closest behind (or least
// ahead of) nextSeq. Callers must hold the lock and ensure the buffer is
// non-empty.
func (b *Buffer) oldestSeq() uint16 {
	first := true
	var oldest uint16
	for seq := range b.frames {
		if first || voice.SeqDistance(seq, oldest) < 0 {
			oldest = seq
			first = false
		}
	}
	return oldest
}

// evictOldest drops the entry furthest in the past. Callers must hold the
// lock.
func (b *Buffer) evictOldest() {
	delete(b.frames, b.oldestSeq())
}
