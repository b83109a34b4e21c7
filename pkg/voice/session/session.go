// Package session orchestrates one voice session: the transmit pipeline
// from the capture device to the relay, the receive loop fanning packets
// into per-speaker jitter buffers, and the 20 ms playback tick that decodes,
// mixes, and writes the output frame.
//
// A Session owns one encoder and, per remote speaker, one decoder paired
// with one jitter buffer. Speakers are created lazily on their first packet
// and torn down at Stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quartzchat/quartz-voice/internal/config"
	"github.com/quartzchat/quartz-voice/internal/observe"
	"github.com/quartzchat/quartz-voice/pkg/voice"
	"github.com/quartzchat/quartz-voice/pkg/voice/codec"
	"github.com/quartzchat/quartz-voice/pkg/voice/device"
	"github.com/quartzchat/quartz-voice/pkg/voice/gate"
	"github.com/quartzchat/quartz-voice/pkg/voice/jitter"
)

// ErrAlreadyStarted is returned by Start when the session is already running
// or has been stopped; sessions are single-use.
var ErrAlreadyStarted = errors.New("session: already started")

// Conn is the datagram connection to the relay. *net.UDPConn satisfies it;
// tests substitute an in-memory pipe.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DecoderFactory creates one decoder per remote speaker.
type DecoderFactory func() (codec.Decoder, error)

// speaker is the per-remote-sender receive state.
type speaker struct {
	buf *jitter.Buffer
	dec codec.Decoder

	// prev is the stats snapshot from the last quality window, used to
	// compute per-window deltas.
	prev jitter.Stats
}

// Session is one live voice session. Create with [New], run with [Start],
// tear down with [Stop]. All Set* methods and the read accessors are safe
// to call from any goroutine while the session runs.
type Session struct {
	cfg *config.Config
	log *slog.Logger
	met *observe.Metrics

	capture  device.Capture
	playback device.Playback

	conn       Conn
	enc        codec.Encoder
	gate       *gate.Gate
	newDecoder DecoderFactory

	mu       sync.Mutex
	speakers map[int32]*speaker
	volumes  map[int32]float64
	activity map[int32]float64

	muted    atomic.Bool
	deafened atomic.Bool
	rttNanos atomic.Int64
	quality  atomic.Int32

	started  bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// Option customises a Session at construction.
type Option func(*Session)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.met = m }
}

// WithConn supplies the relay connection. When absent, Start dials UDP to
// the configured relay address.
func WithConn(c Conn) Option {
	return func(s *Session) { s.conn = c }
}

// WithEncoder supplies the frame encoder. When absent, Start creates an
// Opus encoder at the configured bitrate.
func WithEncoder(e codec.Encoder) Option {
	return func(s *Session) { s.enc = e }
}

// WithDecoderFactory supplies the per-speaker decoder constructor. When
// absent, each speaker gets a fresh Opus decoder.
func WithDecoderFactory(f DecoderFactory) Option {
	return func(s *Session) { s.newDecoder = f }
}

// New creates a Session bound to the given devices. The capture and
// playback devices are required; their absence is a configuration error.
func New(cfg *config.Config, capture device.Capture, playback device.Playback, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: config is required")
	}
	if capture == nil {
		return nil, errors.New("session: capture device is required")
	}
	if playback == nil {
		return nil, errors.New("session: playback device is required")
	}

	s := &Session{
		cfg:      cfg,
		capture:  capture,
		playback: playback,
		gate: gate.New(gate.Config{
			Mode:           cfg.Gate.Mode,
			OpenThreshold:  cfg.Gate.OpenThreshold,
			CloseThreshold: cfg.Gate.CloseThreshold,
			HoldFrames:     cfg.Gate.HoldFrames,
			RampSamples:    cfg.Gate.RampSamples,
		}),
		speakers: make(map[int32]*speaker),
		volumes:  make(map[int32]float64),
		activity: make(map[int32]float64),
	}
	for id, v := range cfg.Volumes {
		s.volumes[id] = clampVolume(v)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	if s.newDecoder == nil {
		s.newDecoder = func() (codec.Decoder, error) { return codec.NewOpusDecoder() }
	}
	s.quality.Store(int32(QualityExcellent))
	return s, nil
}

// Start registers on the relay and launches the transmit, receive, playback,
// and quality goroutines. It returns once the session is running; errors in
// the loops surface from [Stop].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.conn == nil {
		conn, err := net.Dial("udp", s.cfg.Network.RelayAddr)
		if err != nil {
			return fmt.Errorf("session: dial relay %q: %w", s.cfg.Network.RelayAddr, err)
		}
		s.conn = conn
	}
	if s.enc == nil {
		enc, err := codec.NewOpusEncoder(s.cfg.Audio.Bitrate)
		if err != nil {
			return fmt.Errorf("session: create encoder: %w", err)
		}
		s.enc = enc
	}

	if err := s.sendControl(voice.MagicRegister); err != nil {
		return fmt.Errorf("session: register on relay: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { return s.transmitLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.playbackLoop(gctx) })
	g.Go(func() error { return s.qualityLoop(gctx) })

	// Caller context cancellation tears the session down.
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-runCtx.Done():
		}
	}()

	s.log.Info("session: started",
		"relay", s.cfg.Network.RelayAddr,
		"sender_id", s.cfg.Network.SenderID,
		"channel_id", s.cfg.Network.ChannelID,
	)
	return nil
}

// Stop tears the session down synchronously: unregisters from the relay,
// stops capture, cancels the loops, and closes the devices and connection.
// No packet is processed after Stop returns. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		running := s.started && s.cancel != nil
		s.mu.Unlock()
		if !running {
			return
		}

		// Best effort; the relay also expires idle registrations.
		if err := s.sendControl(voice.MagicUnregister); err != nil {
			s.log.Debug("session: unregister failed", "error", err)
		}

		_ = s.capture.Close()
		s.cancel()
		if err := s.group.Wait(); err != nil {
			s.log.Warn("session: loop error", "error", err)
		}
		_ = s.conn.Close()
		_ = s.playback.Close()

		s.mu.Lock()
		n := len(s.speakers)
		s.speakers = make(map[int32]*speaker)
		s.activity = make(map[int32]float64)
		s.mu.Unlock()
		if n > 0 {
			s.met.ActiveSpeakers.Add(context.Background(), -int64(n))
		}

		s.log.Info("session: stopped")
	})
}

// SetMuted stops transmission while keeping capture running, so unmuting is
// instant.
func (s *Session) SetMuted(muted bool) { s.muted.Store(muted) }

// SetDeafened drops incoming packets before they reach any jitter buffer.
func (s *Session) SetDeafened(deafened bool) { s.deafened.Store(deafened) }

// SetPushToTalk updates the push-to-talk switch. Effective only when the
// gate is configured for push-to-talk mode.
func (s *Session) SetPushToTalk(pressed bool) { s.gate.SetPressed(pressed) }

// SetUserVolume sets the linear output volume for one remote speaker.
// Values are clamped to [0, 2]; 1.0 is unity.
func (s *Session) SetUserVolume(senderID int32, volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[senderID] = clampVolume(volume)
}

// ReportRTT feeds an externally measured round-trip time into the quality
// estimator. The relay protocol has no acknowledgement, so the signaling
// layer measures RTT and reports it here.
func (s *Session) ReportRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	s.rttNanos.Store(int64(rtt))
}

// Quality returns the most recent coarse connection quality estimate.
func (s *Session) Quality() QualityLevel {
	return QualityLevel(s.quality.Load())
}

// ActivityLevels returns a snapshot of per-speaker peak output levels from
// the most recent playback tick, normalised to [0, 1]. Intended for UI
// speaking indicators.
func (s *Session) ActivityLevels() map[int32]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]float64, len(s.activity))
	for id, v := range s.activity {
		out[id] = v
	}
	return out
}

// sendControl writes a registration or unregistration packet to the relay.
func (s *Session) sendControl(magic string) error {
	reg := voice.Registration{
		SenderID:  s.cfg.Network.SenderID,
		ChannelID: s.cfg.Network.ChannelID,
		Magic:     magic,
	}
	buf, err := reg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return err
	}
	return nil
}

// speakerFor returns the receive state for a sender, creating it lazily on
// the first packet.
func (s *Session) speakerFor(senderID int32) (*speaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.speakers[senderID]; ok {
		return sp, nil
	}
	dec, err := s.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("session: create decoder for sender %d: %w", senderID, err)
	}
	sp := &speaker{
		buf: jitter.New(jitter.Config{
			MinDepth:     s.cfg.Jitter.MinDepth,
			InitialDepth: s.cfg.Jitter.InitialDepth,
			MaxDepth:     s.cfg.Jitter.MaxDepth,
		}),
		dec: dec,
	}
	s.speakers[senderID] = sp
	s.met.ActiveSpeakers.Add(context.Background(), 1)
	s.log.Debug("session: new speaker", "sender_id", senderID)
	return sp, nil
}

// snapshotSpeakers returns the current speaker set without holding the lock
// during the per-speaker work.
func (s *Session) snapshotSpeakers() map[int32]*speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]*speaker, len(s.speakers))
	for id, sp := range s.speakers {
		out[id] = sp
	}
	return out
}

// volumeFor returns the clamped linear volume for a sender, defaulting to
// unity.
func (s *Session) volumeFor(senderID int32) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.volumes[senderID]; ok {
		return v
	}
	return 1.0
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 2 {
		return 2
	}
	return v
}
