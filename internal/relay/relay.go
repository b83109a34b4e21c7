// Package relay implements the stateless UDP voice relay: clients register
// a (sender, channel) binding for their socket address, and every voice
// packet from a registered address is forwarded verbatim to all other
// members of the same channel.
//
// The relay never decodes payloads and keeps no per-stream state beyond the
// registration table; all reordering and loss handling happens in the
// clients' jitter buffers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/pool/pbytes"
	"golang.org/x/sync/errgroup"

	"github.com/quartzchat/quartz-voice/internal/config"
	"github.com/quartzchat/quartz-voice/internal/observe"
	"github.com/quartzchat/quartz-voice/pkg/voice"
)

// DefaultIdleTimeout expires registrations that have sent nothing for this
// long when the config leaves the timeout unset.
const DefaultIdleTimeout = 5 * time.Minute

// maxDatagram bounds a single read: header plus the largest legal payload.
const maxDatagram = voice.HeaderSize + voice.MaxPayload

// client is one registered socket address.
type client struct {
	addr      *net.UDPAddr
	senderID  int32
	channelID int32
	lastSeen  time.Time
}

// Server is the relay daemon. Create with [New] (which binds the socket so
// the address is known immediately), then call [Server.Run].
type Server struct {
	log  *slog.Logger
	met  *observe.Metrics
	conn *net.UDPConn

	idleTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*client

	closeOnce sync.Once
}

// Option customises a Server at construction.
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// New binds the relay's UDP socket. Use ":0" in tests to get an ephemeral
// port via [Server.Addr].
func New(cfg config.RelayConfig, opts ...Option) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %q: %w", cfg.ListenAddr, err)
	}

	s := &Server{
		conn:        conn,
		idleTimeout: cfg.IdleTimeout.Std(),
		clients:     make(map[string]*client),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
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
	return s, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run serves until ctx is cancelled, then closes the socket and returns.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("relay: listening", "addr", s.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.reapLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close shuts the socket down, unblocking the read loop. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// ClientCount returns the number of currently registered addresses.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// readLoop reads datagrams until the socket closes. Read buffers come from
// a size-bucketed pool since every datagram needs the same worst-case size.
func (s *Server) readLoop() error {
	for {
		buf := pbytes.GetLen(maxDatagram)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			pbytes.Put(buf)
			// Socket closed during shutdown is the normal exit.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay: read: %w", err)
		}
		s.handle(buf[:n], addr)
		pbytes.Put(buf)
	}
}

// handle routes one datagram. A panic from a malformed datagram is contained
// here so a single bad packet cannot take the relay down.
func (s *Server) handle(data []byte, addr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("relay: panic handling datagram", "addr", addr.String(), "panic", r)
		}
	}()

	if reg, ok := voice.ParseRegistration(data); ok {
		s.handleRegistration(reg, addr)
		return
	}
	s.forward(data, addr)
}

// handleRegistration binds or releases a socket address.
func (s *Server) handleRegistration(reg voice.Registration, addr *net.UDPAddr) {
	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch reg.Magic {
	case voice.MagicRegister:
		if _, exists := s.clients[key]; !exists {
			s.met.RelayClients.Add(context.Background(), 1)
		}
		s.clients[key] = &client{
			addr:      addr,
			senderID:  reg.SenderID,
			channelID: reg.ChannelID,
			lastSeen:  time.Now(),
		}
		s.log.Info("relay: registered", "addr", key, "sender_id", reg.SenderID, "channel_id", reg.ChannelID)
	case voice.MagicUnregister:
		if _, exists := s.clients[key]; exists {
			delete(s.clients, key)
			s.met.RelayClients.Add(context.Background(), -1)
			s.log.Info("relay: unregistered", "addr", key, "sender_id", reg.SenderID)
		}
	}
}

// forward sends a voice datagram verbatim to every other member of the
// sender's channel. Unregistered sources and malformed packets are dropped
// silently; per-destination write errors are ignored.
func (s *Server) forward(data []byte, addr *net.UDPAddr) {
	pkt, err := voice.ParsePacket(data)
	if err != nil {
		return
	}

	key := addr.String()
	s.mu.Lock()
	src, ok := s.clients[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	// The packet must match its registration; anything else is spoofed or
	// corrupt.
	if pkt.SenderID != src.senderID || pkt.ChannelID != src.channelID {
		s.mu.Unlock()
		return
	}
	src.lastSeen = time.Now()
	dests := make([]*net.UDPAddr, 0, len(s.clients))
	for k, c := range s.clients {
		if k == key || c.channelID != src.channelID {
			continue
		}
		dests = append(dests, c.addr)
	}
	s.mu.Unlock()

	for _, dst := range dests {
		if _, err := s.conn.WriteToUDP(data, dst); err != nil {
			s.log.Debug("relay: forward failed", "dst", dst.String(), "error", err)
		}
	}
	if len(dests) > 0 {
		s.met.RelayForwarded.Add(context.Background(), int64(len(dests)))
	}
}

// reapLoop expires registrations that have been silent past the idle
// timeout, so crashed clients do not accumulate forever.
func (s *Server) reapLoop(ctx context.Context) error {
	interval := s.idleTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap(time.Now())
		}
	}
}

// reap removes registrations idle past the timeout as of now.
func (s *Server) reap(now time.Time) {
	s.mu.Lock()
	var expired []string
	for key, c := range s.clients {
		if now.Sub(c.lastSeen) > s.idleTimeout {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(s.clients, key)
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.log.Info("relay: expired idle registration", "addr", key)
	}
	if len(expired) > 0 {
		s.met.RelayClients.Add(context.Background(), -int64(len(expired)))
	}
}
