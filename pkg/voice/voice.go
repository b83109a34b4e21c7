// Package voice defines the data model shared by the Quartz voice pipeline:
// PCM frame parameters, the UDP wire format for voice and registration
// packets, wraparound-safe sequence arithmetic, and small PCM helpers.
//
// The pipeline operates on fixed 20 ms frames of 16-bit mono PCM. Everything
// above this package — gate, codec, jitter buffer, session — is built in
// terms of [FrameSamples]-sized sample slices and [Packet] values.
package voice

import "time"

// Audio format shared by the whole pipeline. Quartz voice runs 48 kHz mono
// Opus at 20 ms frame size.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// Channels is the channel count. The pipeline is mono end to end;
	// spatialisation (if any) happens in the output device.
	Channels = 1

	// FrameDuration is the fixed duration of one frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one frame.
	FrameSamples = SampleRate / 1000 * 20 // 960

	// FrameBytes is the size of one frame as little-endian int16 PCM.
	FrameBytes = FrameSamples * 2
)

// MaxPayload bounds the encoded payload of a single frame. Opus recommends
// 4000 bytes as the maximum packet size for one frame.
const MaxPayload = 4000

// SeqDistance returns the signed modular distance from b to a on the 16-bit
// sequence circle: positive when a is ahead of b, negative when behind.
// All ordering decisions in the pipeline go through this function so that
// wraparound at 65536 is handled uniformly.
func SeqDistance(a, b uint16) int {
	return int(int16(a - b))
}
