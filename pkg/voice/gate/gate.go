// Package gate implements the transmit decision for the voice pipeline: a
// level-triggered noise gate with hysteresis and click-free fades, plus a
// push-to-talk mode where transmission is controlled by an external switch.
//
// The two activation modes are mutually exclusive and selected at
// construction; they share the fade machinery so both are click-free.
package gate

import (
	"sync/atomic"

	"github.com/quartzchat/quartz-voice/pkg/voice"
)

// Mode selects how the gate decides whether to transmit.
type Mode string

const (
	// ModeLevel opens the gate when the frame RMS level crosses the open
	// threshold and closes it after the hold expires below the close
	// threshold.
	ModeLevel Mode = "level"

	// ModePushToTalk ignores signal level entirely; the gate follows the
	// externally supplied switch state (see [Gate.SetPressed]).
	ModePushToTalk Mode = "push-to-talk"
)

// IsValid reports whether m is a recognised activation mode.
func (m Mode) IsValid() bool {
	return m == ModeLevel || m == ModePushToTalk
}

// Defaults used when the corresponding Config field is zero.
const (
	// DefaultOpenThreshold is the full-scale RMS level that opens the gate.
	DefaultOpenThreshold = 0.02

	// DefaultCloseThreshold is the full-scale RMS level below which the
	// hold counter starts counting down. Must be below the open threshold
	// so the gate has a hysteresis band.
	DefaultCloseThreshold = 0.01

	// DefaultHoldFrames is how many consecutive below-close frames are
	// required before the gate closes (10 frames = 200 ms).
	DefaultHoldFrames = 10

	// DefaultRampSamples is the fade-in/out ramp length
	// (480 samples = 10 ms at 48 kHz).
	DefaultRampSamples = 480
)

// Config configures a [Gate]. Zero fields take the package defaults.
type Config struct {
	Mode           Mode
	OpenThreshold  float64
	CloseThreshold float64
	HoldFrames     int
	RampSamples    int
}

// Gate decides per frame whether to transmit and applies linear fades at
// open/close transitions so the gated signal never clicks.
//
// Gate is not safe for concurrent use; the transmit pipeline is its sole
// caller. [Gate.SetPressed] may be called from another goroutine — it only
// stores the switch state, which Process reads on its next call.
type Gate struct {
	cfg Config

	isOpen  bool
	hold    int // frames remaining before the gate may close
	fadePos int // current ramp position in samples, within [0, RampSamples]

	pressed atomic.Bool // push-to-talk switch state
}

// New creates a Gate from cfg, filling in defaults for zero fields.
func New(cfg Config) *Gate {
	if cfg.Mode == "" {
		cfg.Mode = ModeLevel
	}
	if cfg.OpenThreshold == 0 {
		cfg.OpenThreshold = DefaultOpenThreshold
	}
	if cfg.CloseThreshold == 0 {
		cfg.CloseThreshold = DefaultCloseThreshold
	}
	if cfg.HoldFrames == 0 {
		cfg.HoldFrames = DefaultHoldFrames
	}
	if cfg.RampSamples == 0 {
		cfg.RampSamples = DefaultRampSamples
	}
	return &Gate{cfg: cfg}
}

// SetPressed updates the push-to-talk switch state. Safe to call from any
// goroutine; the new state takes effect on the next Process call. No-op in
// level mode.
func (g *Gate) SetPressed(pressed bool) {
	g.pressed.Store(pressed)
}

// Process decides whether frame should be transmitted and applies the fade
// in place. It returns true while the gate is open or a fade-out tail is
// still ramping down (the tail must be sent for the close to be click-free).
// When it returns false the frame carries no signal and must be dropped.
func (g *Gate) Process(frame []int16) bool {
	switch g.cfg.Mode {
	case ModePushToTalk:
		g.isOpen = g.pressed.Load()
	default:
		g.updateLevel(voice.RMS(frame))
	}

	// The tail check must precede the fade: a ramp shorter than one frame
	// drains to zero inside this very frame, and that frame still carries
	// the audible fade-out.
	hadTail := g.fadePos > 0
	g.applyFade(frame)
	return g.isOpen || hadTail
}

// IsOpen reports the current gate state.
func (g *Gate) IsOpen() bool { return g.isOpen }

// FadePosition returns the current ramp position in samples. Always within
// [0, RampSamples].
func (g *Gate) FadePosition() int { return g.fadePos }

// updateLevel runs the hysteresis state machine for one frame.
func (g *Gate) updateLevel(level float64) {
	if level >= g.cfg.OpenThreshold {
		g.isOpen = true
		g.hold = g.cfg.HoldFrames
		return
	}
	if !g.isOpen {
		return
	}
	// Open with level in the hysteresis band: keep the hold counter as is.
	if level >= g.cfg.CloseThreshold {
		return
	}
	g.hold--
	if g.hold <= 0 {
		g.isOpen = false
		g.hold = 0
	}
}

// applyFade advances the ramp across the frame and scales samples by the
// instantaneous gain. The ramp clamps at both ends: a fade may still be
// completing when the gate flips again, and it simply reverses from its
// current position.
func (g *Gate) applyFade(frame []int16) {
	ramp := g.cfg.RampSamples

	// Fast paths: fully open or fully closed with no ramp in flight.
	if g.isOpen && g.fadePos == ramp {
		return
	}
	if !g.isOpen && g.fadePos == 0 {
		for i := range frame {
			frame[i] = 0
		}
		return
	}

	for i := range frame {
		if g.isOpen {
			if g.fadePos < ramp {
				g.fadePos++
			}
		} else if g.fadePos > 0 {
			g.fadePos--
		}
		gain := float64(g.fadePos) / float64(ramp)
		frame[i] = int16(float64(frame[i]) * gain)
	}
}
