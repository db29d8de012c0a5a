// Package pcm converts captured float samples into the wire format the
// recognition provider expects: mono 16 kHz little-endian 16-bit PCM.
package pcm

import "math"

// Resample converts samples from fromRate to toRate using linear
// interpolation. Adequate for voice-recognition fidelity; not hi-fi.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s := samples[idx]
		if idx+1 < len(samples) {
			s = s + (samples[idx+1]-s)*frac
		}
		out[i] = s
	}
	return out
}

// EncodeInt16LE clamps samples to [-1, 1] and packs them as little-endian
// signed 16-bit PCM.
func EncodeInt16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Convert resamples and encodes in one step.
func Convert(samples []float32, fromRate, toRate int) []byte {
	return EncodeInt16LE(Resample(samples, fromRate, toRate))
}

// Silence returns an encoded buffer of zero samples covering the same
// duration as n input samples at fromRate, converted to toRate.
func Silence(n, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || n <= 0 {
		return nil
	}
	m := int(math.Floor(float64(n) * float64(toRate) / float64(fromRate)))
	return make([]byte, m*2)
}

// LoudnessDB computes frame loudness as 20*log10(max(rms, 1e-10)) in dBFS.
func LoudnessDB(samples []float32) float64 {
	return 20 * math.Log10(math.Max(RMS(samples), 1e-10))
}

// RMS is the root-mean-square of the samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// MixDown averages interleaved multi-channel samples into mono.
func MixDown(samples []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	n := len(samples) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
