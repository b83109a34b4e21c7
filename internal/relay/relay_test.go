package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quartzchat/quartz-voice/internal/config"
	"github.com/quartzchat/quartz-voice/pkg/voice"
)

// testClient is one UDP endpoint talking to the relay under test.
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
	id   int32
	ch   int32
}

func newTestClient(t *testing.T, relayAddr *net.UDPAddr, id, ch int32) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, id: id, ch: ch}
}

func (c *testClient) register() {
	c.control(voice.MagicRegister)
}

func (c *testClient) unregister() {
	c.control(voice.MagicUnregister)
}

func (c *testClient) control(magic string) {
	c.t.Helper()
	reg := voice.Registration{SenderID: c.id, ChannelID: c.ch, Magic: magic}
	buf, err := reg.MarshalBinary()
	if err != nil {
		c.t.Fatalf("marshal registration: %v", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.t.Fatalf("send registration: %v", err)
	}
}

func (c *testClient) sendVoice(seq uint16, payload []byte) {
	c.t.Helper()
	pkt := voice.Packet{SenderID: c.id, ChannelID: c.ch, Sequence: seq, Payload: payload}
	buf, err := pkt.MarshalBinary()
	if err != nil {
		c.t.Fatalf("marshal packet: %v", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.t.Fatalf("send packet: %v", err)
	}
}

// recv waits for one forwarded packet, or reports a timeout.
func (c *testClient) recv(timeout time.Duration) (*voice.Packet, bool) {
	c.t.Helper()
	buf := make([]byte, maxDatagram)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, false
	}
	pkt, err := voice.ParsePacket(buf[:n])
	if err != nil {
		c.t.Fatalf("forwarded datagram unparseable: %v", err)
	}
	return pkt, true
}

// startRelay runs a relay on an ephemeral port and tears it down with the
// test.
func startRelay(t *testing.T) *Server {
	t.Helper()
	s, err := New(config.RelayConfig{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// waitForClients polls until the registration table reaches n entries.
func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", s.ClientCount(), n)
}

func TestRelayForwardsWithinChannel(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	b := newTestClient(t, s.Addr(), 2, 100)
	a.register()
	b.register()
	waitForClients(t, s, 2)

	a.sendVoice(7, []byte{0xAB})

	pkt, ok := b.recv(2 * time.Second)
	if !ok {
		t.Fatal("B never received A's packet")
	}
	if pkt.SenderID != 1 || pkt.Sequence != 7 || len(pkt.Payload) != 1 || pkt.Payload[0] != 0xAB {
		t.Errorf("forwarded packet mismatch: %+v", pkt)
	}

	// The sender must never get their own packet back.
	if echo, ok := a.recv(150 * time.Millisecond); ok {
		t.Errorf("A received an echo of their own packet: %+v", echo)
	}
}

func TestRelayIsolatesChannels(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	b := newTestClient(t, s.Addr(), 2, 200)
	a.register()
	b.register()
	waitForClients(t, s, 2)

	a.sendVoice(0, []byte{1})
	if pkt, ok := b.recv(150 * time.Millisecond); ok {
		t.Errorf("packet crossed channels: %+v", pkt)
	}
}

func TestRelayIgnoresUnregisteredSenders(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	b := newTestClient(t, s.Addr(), 2, 100)
	b.register()
	waitForClients(t, s, 1)

	// A never registered; their packets must vanish.
	a.sendVoice(0, []byte{1})
	if pkt, ok := b.recv(150 * time.Millisecond); ok {
		t.Errorf("unregistered sender was forwarded: %+v", pkt)
	}
}

func TestRelayUnregister(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	b := newTestClient(t, s.Addr(), 2, 100)
	a.register()
	b.register()
	waitForClients(t, s, 2)

	b.unregister()
	waitForClients(t, s, 1)

	a.sendVoice(0, []byte{1})
	if pkt, ok := b.recv(150 * time.Millisecond); ok {
		t.Errorf("unregistered client still receives: %+v", pkt)
	}
}

func TestRelayDropsMalformed(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	b := newTestClient(t, s.Addr(), 2, 100)
	a.register()
	b.register()
	waitForClients(t, s, 2)

	// Garbage of various sizes must neither crash the relay nor reach B.
	for _, n := range []int{1, 5, 11, 13, 100} {
		if _, err := a.conn.Write(make([]byte, n)); err != nil {
			t.Fatalf("send garbage: %v", err)
		}
	}
	if pkt, ok := b.recv(150 * time.Millisecond); ok {
		t.Errorf("garbage was forwarded: %+v", pkt)
	}

	// The relay must still be alive afterwards.
	a.sendVoice(1, []byte{2})
	if _, ok := b.recv(2 * time.Second); !ok {
		t.Fatal("relay stopped forwarding after malformed input")
	}
}

func TestRelayReapsIdleClients(t *testing.T) {
	s := startRelay(t)
	a := newTestClient(t, s.Addr(), 1, 100)
	a.register()
	waitForClients(t, s, 1)

	// Drive the reaper directly with a timestamp past the idle timeout
	// instead of waiting minutes of wall clock.
	s.reap(time.Now().Add(s.idleTimeout + time.Second))
	if got := s.ClientCount(); got != 0 {
		t.Errorf("client count after reap = %d, want 0", got)
	}
}
