// Package audio converts PCM16 frames between the telephony sample rate
// (8 kHz) and the realtime engine's sample rate (24 kHz).
//
// Conversion is plain linear interpolation / decimation with no anti-aliasing
// filter. Downsampled engine audio can alias above 4 kHz; this is accepted for
// telephone-band speech in exchange for zero added latency.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	TelephonySampleRateHz = 8000
	EngineSampleRateHz    = 24000

	// Factor is the ratio between EngineSampleRateHz and TelephonySampleRateHz.
	Factor = EngineSampleRateHz / TelephonySampleRateHz
)

// UpsampleX3 triples the sample rate by inserting two linearly interpolated
// samples between every adjacent pair. Interpolated values truncate toward
// zero. Frames shorter than two samples are returned unchanged.
func UpsampleX3(frame []int16) []int16 {
	if len(frame) < 2 {
		out := make([]int16, len(frame))
		copy(out, frame)
		return out
	}

	out := make([]int16, 0, (len(frame)-1)*Factor+1)
	for i := 0; i < len(frame)-1; i++ {
		s0 := int32(frame[i])
		s1 := int32(frame[i+1])
		delta := s1 - s0
		out = append(out,
			clamp16(s0),
			clamp16(s0+delta/3),
			clamp16(s0+delta*2/3),
		)
	}
	out = append(out, clamp16(int32(frame[len(frame)-1])))
	return out
}

// DownsampleDiv3 keeps every third sample starting at index 0, the exact
// inverse cadence of UpsampleX3.
func DownsampleDiv3(frame []int16) []int16 {
	if len(frame) == 0 {
		return []int16{}
	}
	out := make([]int16, 0, (len(frame)+Factor-1)/Factor)
	for i := 0; i < len(frame); i += Factor {
		out = append(out, clamp16(int32(frame[i])))
	}
	return out
}

// UpsamplePCM8kTo24k resamples a little-endian PCM16 byte frame from 8 kHz to 24 kHz.
func UpsamplePCM8kTo24k(pcm []byte) ([]byte, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(UpsampleX3(samples)), nil
}

// DownsamplePCM24kTo8k resamples a little-endian PCM16 byte frame from 24 kHz to 8 kHz.
func DownsamplePCM24kTo8k(pcm []byte) ([]byte, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(DownsampleDiv3(samples)), nil
}

// DecodePCM16 splits little-endian PCM16 bytes into samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 frame has odd byte length %d", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// EncodePCM16 packs samples as little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
