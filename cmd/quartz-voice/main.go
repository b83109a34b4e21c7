// Command quartz-voice is a demo voice client: it joins a channel on a
// relay, transmits a generated test tone through the full pipeline, and
// plays back whatever the other channel members send.
//
// Real microphone and speaker adapters plug in via the device interfaces;
// the demo uses the in-memory mock devices so it runs anywhere.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quartzchat/quartz-voice/internal/config"
	"github.com/quartzchat/quartz-voice/internal/observe"
	"github.com/quartzchat/quartz-voice/pkg/voice"
	"github.com/quartzchat/quartz-voice/pkg/voice/device/mock"
	"github.com/quartzchat/quartz-voice/pkg/voice/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	toneHz := flag.Float64("tone", 440, "test tone frequency in Hz (0 transmits silence)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "quartz-voice: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "quartz-voice: %v\n", err)
		}
		return 1
	}
	if cfg.Network.RelayAddr == "" {
		fmt.Fprintln(os.Stderr, "quartz-voice: network.relay_addr is required")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Metrics ───────────────────────────────────────────────────────────────
	provider, shutdownMetrics, err := observe.InitProvider("quartz-voice")
	if err != nil {
		slog.Error("failed to init metrics provider", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	if addr := cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint error", "err", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Session ───────────────────────────────────────────────────────────────
	capture := mock.NewCapture(64)
	playback := mock.NewPlayback()

	sess, err := session.New(cfg, capture, playback, session.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}
	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	go feedTone(ctx, capture, *toneHz)
	go reportStatus(ctx, sess)

	slog.Info("session running — press Ctrl+C to leave")
	<-ctx.Done()
	sess.Stop()
	slog.Info("goodbye")
	return 0
}

// feedTone generates one frame of a sine tone every frame duration, pacing
// the mock capture device like a real driver.
func feedTone(ctx context.Context, capture *mock.Capture, freq float64) {
	ticker := time.NewTicker(voice.FrameDuration)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * freq / float64(voice.SampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := make([]int16, voice.FrameSamples)
			if freq > 0 {
				for i := range frame {
					frame[i] = int16(0.3 * math.MaxInt16 * math.Sin(phase))
					phase += step
				}
			}
			capture.Feed(voice.SamplesToBytes(frame))
		}
	}
}

// reportStatus logs the quality estimate and who is speaking every few
// seconds.
func reportStatus(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var speaking []int32
			for id, level := range sess.ActivityLevels() {
				if level > 0.01 {
					speaking = append(speaking, id)
				}
			}
			slog.Info("status", "quality", sess.Quality().String(), "speaking", speaking)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
