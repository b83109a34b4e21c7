// Package device defines the boundary to the platform audio driver.
//
// Capture is modelled as a bounded channel hand-off from the driver-owned
// goroutine into the pipeline: the driver callback must never block, so
// implementations drop chunks when the consumer falls behind rather than
// stalling the driver. Playback is a simple append-to-output-queue call.
//
// Device enumeration and selection are an external capability; this package
// only defines what the pipeline consumes. The [mock] subpackage provides
// in-memory implementations for tests and the demo client.
package device

// Capture delivers microphone PCM as arbitrarily sized byte chunks of
// little-endian int16 samples at the configured sample rate.
type Capture interface {
	// Chunks returns the channel on which the driver delivers PCM chunks.
	// The channel is closed when the device is closed. Chunk sizes carry
	// no framing guarantees; the transmit pipeline accumulates them into
	// fixed frames.
	Chunks() <-chan []byte

	// Close stops capture and closes the chunk channel. Idempotent.
	Close() error
}

// Playback accepts PCM byte buffers for the output device.
type Playback interface {
	// Write appends pcm to the device's output queue. Implementations
	// must return promptly — the playback tick calls Write on its 20 ms
	// cadence and must never miss a tick.
	Write(pcm []byte)

	// Close stops playback. Idempotent.
	Close() error
}
