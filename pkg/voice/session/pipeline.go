package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/quartzchat/quartz-voice/pkg/voice"
	"github.com/quartzchat/quartz-voice/pkg/voice/jitter"
)

// readPollInterval bounds how long the receive loop blocks in one Read so
// it can notice cancellation.
const readPollInterval = 250 * time.Millisecond

// transmitLoop accumulates capture chunks into exact frames and pushes each
// through gain, gate, encode, and a single fire-and-forget datagram write.
func (s *Session) transmitLoop(ctx context.Context) error {
	var (
		acc []byte
		seq uint16
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-s.capture.Chunks():
			if !ok {
				return nil
			}
			acc = append(acc, chunk...)
			for len(acc) >= voice.FrameBytes {
				frame := acc[:voice.FrameBytes]
				acc = acc[voice.FrameBytes:]
				if s.sendFrame(ctx, frame, seq) {
					seq++
				}
			}
		}
	}
}

// sendFrame runs one frame through the transmit pipeline. Returns true only
// when a packet left for the relay, so the sequence number advances only on
// actual sends.
func (s *Session) sendFrame(ctx context.Context, frame []byte, seq uint16) bool {
	if s.muted.Load() {
		s.met.FramesGated.Add(ctx, 1)
		return false
	}

	pcm := voice.BytesToSamples(frame)
	if g := s.cfg.Audio.InputGain; g > 0 {
		voice.ApplyGain(pcm, g)
	}
	if !s.gate.Process(pcm) {
		s.met.FramesGated.Add(ctx, 1)
		return false
	}

	payload, err := s.enc.Encode(pcm)
	if err != nil {
		s.log.Debug("session: encode failed, frame dropped", "error", err)
		s.met.EncodeFailures.Add(ctx, 1)
		return false
	}

	pkt := voice.Packet{
		SenderID:  s.cfg.Network.SenderID,
		ChannelID: s.cfg.Network.ChannelID,
		Sequence:  seq,
		Payload:   payload,
	}
	buf, err := pkt.MarshalBinary()
	if err != nil {
		s.log.Debug("session: marshal failed, frame dropped", "error", err)
		return false
	}

	// Fire and forget. A lost datagram is cheaper than a stalled pipeline;
	// the receivers conceal the gap.
	if _, err := s.conn.Write(buf); err != nil {
		s.log.Debug("session: send failed", "error", err)
	}
	s.met.FramesSent.Add(ctx, 1)
	return true
}

// receiveLoop reads datagrams from the relay and routes them into the
// per-speaker jitter buffers. Read blocks are bounded by a poll deadline so
// cancellation is noticed promptly.
func (s *Session) receiveLoop(ctx context.Context) error {
	buf := make([]byte, voice.HeaderSize+voice.MaxPayload)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := s.conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.Debug("session: read failed", "error", err)
			continue
		}
		s.handleDatagram(ctx, buf[:n])
	}
}

// handleDatagram processes one received datagram. A panic from a malformed
// packet is contained here so it cannot halt the receive loop.
func (s *Session) handleDatagram(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: panic handling packet", "panic", r)
			s.met.RecordDrop(ctx, "panic")
		}
	}()

	if s.deafened.Load() {
		s.met.RecordDrop(ctx, "deafened")
		return
	}
	pkt, err := voice.ParsePacket(data)
	if err != nil {
		s.met.RecordDrop(ctx, "malformed")
		return
	}
	// The relay never echoes a sender's own packets; anything else claiming
	// our ID or another channel is junk.
	if pkt.SenderID == s.cfg.Network.SenderID {
		s.met.RecordDrop(ctx, "self")
		return
	}
	if pkt.ChannelID != s.cfg.Network.ChannelID {
		s.met.RecordDrop(ctx, "channel")
		return
	}

	sp, err := s.speakerFor(pkt.SenderID)
	if err != nil {
		s.log.Warn("session: speaker setup failed", "sender_id", pkt.SenderID, "error", err)
		s.met.RecordDrop(ctx, "decoder")
		return
	}
	sp.buf.Push(pkt.Sequence, pkt.Payload)
	s.met.RecordReceived(ctx, pkt.SenderID)
}

// playbackLoop drives the fixed 20 ms output cadence, independent of packet
// arrival timing.
func (s *Session) playbackLoop(ctx context.Context) error {
	ticker := time.NewTicker(voice.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick pops one frame per active speaker, decodes or conceals, applies the
// per-speaker volume, mixes everything into a single output frame, and
// writes it to the playback device. Always writes exactly one frame, silent
// when nobody is speaking.
func (s *Session) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: panic in playback tick", "panic", r)
		}
		s.met.TickDuration.Record(ctx, time.Since(start).Seconds())
	}()

	mix := make([]int16, voice.FrameSamples)
	for id, sp := range s.snapshotSpeakers() {
		var (
			pcm []int16
			err error
		)
		payload, kind := sp.buf.Pop()
		switch kind {
		case jitter.PopNone:
			s.setActivity(id, 0)
			continue
		case jitter.PopFrame:
			pcm, err = sp.dec.Decode(payload)
		case jitter.PopConceal:
			pcm, err = sp.dec.DecodePLC()
		}
		if err != nil {
			s.log.Debug("session: decode failed, frame skipped", "sender_id", id, "error", err)
			s.setActivity(id, 0)
			continue
		}
		if vol := s.volumeFor(id); vol != 1.0 {
			voice.ApplyGain(pcm, vol)
		}
		voice.MixInto(mix, pcm)
		s.setActivity(id, voice.Peak(pcm))
	}
	s.playback.Write(voice.SamplesToBytes(mix))
}

func (s *Session) setActivity(senderID int32, level float64) {
	s.mu.Lock()
	s.activity[senderID] = level
	s.mu.Unlock()
}
