// Package codec wraps the Opus codec behind narrow encode/decode interfaces
// so the rest of the pipeline treats compression as an opaque capability.
//
// One [Encoder] serves the local session; each remote speaker gets their own
// [Decoder] because Opus decoder state must never be shared across streams —
// concealment in particular synthesises audio from per-stream history.
package codec

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/quartzchat/quartz-voice/pkg/voice"
)

// Encoder compresses exactly one fixed-size frame per call.
type Encoder interface {
	// Encode compresses frame into an opaque payload. frame must hold
	// exactly [voice.FrameSamples] samples.
	Encode(frame []int16) ([]byte, error)
}

// Decoder decompresses payloads from a single remote speaker.
type Decoder interface {
	// Decode decompresses one payload into a PCM frame.
	Decode(payload []byte) ([]int16, error)

	// DecodePLC synthesises a plausible frame from decoder-internal history
	// when the packet for this frame slot never arrived. Concealment, not
	// decoding: no new data is consumed.
	DecodePLC() ([]int16, error)
}

// Compile-time interface assertions.
var (
	_ Encoder = (*OpusEncoder)(nil)
	_ Decoder = (*OpusDecoder)(nil)
)

// OpusEncoder encodes 48 kHz mono frames with the VoIP application profile.
// Not safe for concurrent use; the transmit pipeline is its sole caller.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates an encoder targeting the given bitrate in bits per
// second. A bitrate of 0 keeps the libopus default.
func NewOpusEncoder(bitrate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(voice.SampleRate, voice.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("codec: set bitrate %d: %w", bitrate, err)
		}
	}
	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, voice.MaxPayload),
	}, nil
}

// Encode compresses one frame. The returned slice is a copy; the internal
// scratch buffer is reused across calls.
func (e *OpusEncoder) Encode(frame []int16) ([]byte, error) {
	if len(frame) != voice.FrameSamples {
		return nil, fmt.Errorf("codec: encode expects %d samples, got %d", voice.FrameSamples, len(frame))
	}
	n, err := e.enc.Encode(frame, e.buf)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return append([]byte(nil), e.buf[:n]...), nil
}

// OpusDecoder decodes one remote speaker's stream. Not safe for concurrent
// use; the playback tick is its sole caller.
type OpusDecoder struct {
	dec *opus.Decoder
}

// NewOpusDecoder creates a decoder for a single remote speaker's stream.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(voice.SampleRate, voice.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decompresses one payload into a full PCM frame.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, voice.FrameSamples)
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return pcm[:n], nil
}

// DecodePLC asks libopus to conceal one lost frame from decoder-internal
// history.
func (d *OpusDecoder) DecodePLC() ([]int16, error) {
	pcm := make([]int16, voice.FrameSamples)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return nil, fmt.Errorf("codec: opus plc: %w", err)
	}
	return pcm, nil
}
