// Package audio provides stateless PCM conversions shared by the capture and
// playback pipelines: float/int16 transforms, linear resampling, RMS loudness
// and the base64 wire encoding used for audio chunks on the transport.
package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// loudnessGain maps typical speech RMS (roughly 0 to 0.5) into a usable [0,1]
// range for volume meters and lip sync.
const loudnessGain = 4.0

// FloatToInt16 converts float samples in [-1, 1] to 16-bit PCM. Samples
// outside the valid range are clamped. Positive samples scale by 0x7FFF and
// negative by 0x8000 so that full-scale input maps onto the full int16 range.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s >= 0 {
			out[i] = int16(s * 0x7FFF)
		} else {
			out[i] = int16(s * 0x8000)
		}
	}
	return out
}

// Int16ToFloat converts 16-bit PCM samples to floats in [-1, 1).
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 0x8000
	}
	return out
}

// Resample converts samples between rates using linear interpolation between
// the two nearest input samples. It returns the input unchanged when the
// rates already match.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 >= len(samples) {
			i0 = len(samples) - 1
		}
		i1 := i0 + 1
		if i1 >= len(samples) {
			i1 = len(samples) - 1
		}
		frac := float32(pos - float64(i0))
		out[i] = samples[i0]*(1-frac) + samples[i1]*frac
	}
	return out
}

// ResampleInt16 resamples 16-bit PCM by converting through float samples.
func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	return FloatToInt16(Resample(Int16ToFloat(samples), fromRate, toRate))
}

// RMS computes the root mean square of float samples.
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

// RMSInt16 computes the root mean square of 16-bit PCM samples, normalized to
// the [0, 1] range of full-scale audio.
func RMSInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 0x8000
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeRMS scales a raw RMS value into [0, 1] for display and lip sync.
func NormalizeRMS(rms float64) float64 {
	return math.Min(1, rms*loudnessGain)
}

// Int16ToBytes packs 16-bit PCM samples as little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// BytesToInt16 unpacks little-endian bytes into 16-bit PCM samples. A
// trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return out
}

// EncodeChunk encodes 16-bit PCM samples into the base64 wire format.
func EncodeChunk(samples []int16) string {
	return base64.StdEncoding.EncodeToString(Int16ToBytes(samples))
}

// DecodeChunk decodes a base64 wire chunk back into 16-bit PCM samples.
func DecodeChunk(encoded string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return BytesToInt16(raw), nil
}
