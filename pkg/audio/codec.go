package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// pcmScale maps a normalised sample to the int16 range. Both directions use
// the same factor so that ±1.0 round-trips exactly.
const pcmScale = 32767

// EncodePCM16 converts normalised float samples to 16-bit signed
// little-endian PCM.
//
// Samples are clamped to [-1, 1], multiplied by 32767 and rounded half away
// from zero. Combined with [DecodePCM16] the round-trip error per sample is
// at most 0.5/32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		switch {
		case v > 1 || math.IsInf(v, 1):
			v = 1
		case v < -1 || math.IsInf(v, -1):
			v = -1
		case math.IsNaN(v):
			v = 0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*pcmScale))))
	}
	return out
}

// DecodePCM16 reconstructs a playable buffer from 16-bit signed little-endian
// PCM with the given sample rate and interleaved channel count. Multi-channel
// input is downmixed to mono.
//
// A byte length that is not a multiple of 2*channels yields a [*DecodeError].
// Empty input yields a zero-length buffer.
func DecodePCM16(data []byte, sampleRate, channels int) (*PlaybackBuffer, error) {
	if sampleRate <= 0 {
		return nil, &DecodeError{Reason: "non-positive sample rate " + strconv.Itoa(sampleRate), Len: len(data)}
	}
	if channels <= 0 {
		return nil, &DecodeError{Reason: "non-positive channel count " + strconv.Itoa(channels), Len: len(data)}
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return nil, &DecodeError{Reason: "truncated sample frame", Len: len(data)}
	}

	n := len(data) / frameBytes
	samples := make([]float32, n)
	for i := range n {
		var sum float64
		for c := range channels {
			off := (i*channels + c) * 2
			sum += pcmToFloat(int16(binary.LittleEndian.Uint16(data[off:])))
		}
		samples[i] = float32(sum / float64(channels))
	}
	return NewPlaybackBuffer(samples, sampleRate), nil
}

func pcmToFloat(v int16) float64 {
	f := float64(v) / pcmScale
	if f < -1 {
		f = -1
	}
	return f
}

// ToTransportText encodes bytes as standard base64 for JSON transport.
func ToTransportText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromTransportText decodes text produced by [ToTransportText]. Invalid
// input yields a [*DecodeError].
func FromTransportText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid transport text", Len: len(s), Err: err}
	}
	return b, nil
}

// RMS returns the root-mean-square level of samples in [0, 1]. An empty
// frame has level 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return min(math.Sqrt(sum/float64(len(samples))), 1)
}

// ParseMIMERate extracts the rate parameter from a media descriptor such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is absent
// or not a positive integer.
func ParseMIMERate(mime string, fallback int) int {
	_, params, found := strings.Cut(mime, ";")
	if !found {
		return fallback
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
