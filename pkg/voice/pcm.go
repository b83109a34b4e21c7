package voice

import "math"

// BytesToSamples converts little-endian int16 PCM bytes to a sample slice.
// A trailing odd byte, which cannot occur for well-formed PCM, is ignored.
func BytesToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// SamplesToBytes converts a sample slice to little-endian int16 PCM bytes.
func SamplesToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// RMS returns the root-mean-square level of the frame normalised to full
// scale, so the result is in [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(pcm))) / 32768.0
}

// Peak returns the peak absolute sample level normalised to full scale,
// in [0, 1]. Used for the per-speaker activity indicator.
func Peak(pcm []int16) float64 {
	var peak int32
	for _, s := range pcm {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768.0
}

// ApplyGain scales pcm in place by the linear gain factor, clamping each
// sample to the int16 range so overdriven input saturates instead of
// wrapping.
func ApplyGain(pcm []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range pcm {
		pcm[i] = clampSample(float64(s) * gain)
	}
}

// MixInto adds src into dst sample by sample with saturating arithmetic.
// Both slices must be the same length; extra src samples are ignored.
func MixInto(dst, src []int16) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		v := int32(dst[i]) + int32(src[i])
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst[i] = int16(v)
	}
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
