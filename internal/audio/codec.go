package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned when a PCM16 buffer does not hold a whole number of samples.
var ErrOddLength = errors.New("pcm16 buffer has odd byte length")

const (
	mulawBias = 0x84
	mulawClip = 32635

	// SilenceFloorDB is reported by RMSdB for digital silence.
	SilenceFloorDB = -100.0
)

// MulawEncode compands one linear PCM16 sample into a G.711 mu-law byte.
func MulawEncode(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Exponent is the position of the highest set bit above bit 7.
	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MulawDecode expands a G.711 mu-law byte into a linear PCM16 sample.
func MulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeMulaw converts a mu-law buffer to little-endian PCM16.
func DecodeMulaw(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(MulawDecode(b)))
	}
	return pcm
}

// EncodeMulaw converts little-endian PCM16 to mu-law.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = MulawEncode(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// BytesToSamples interprets a little-endian PCM16 buffer as samples.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes serializes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Resample converts PCM16 between sample rates using linear interpolation.
// Equal rates return the input unchanged.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	if fromRate == toRate || len(samples) == 0 {
		return pcm, nil
	}
	return SamplesToBytes(resampleLinear(samples, fromRate, toRate)), nil
}

func resampleLinear(samples []int16, fromRate, toRate int) []int16 {
	outLen := len(samples) * toRate / fromRate
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// CalculateRMS calculates the root mean square of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSdB returns the RMS level relative to full scale, floored at SilenceFloorDB.
func RMSdB(samples []int16) float64 {
	rms := CalculateRMS(samples)
	if rms == 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < SilenceFloorDB {
		return SilenceFloorDB
	}
	return db
}

// DurationBytes returns the PCM16 byte count covering ms milliseconds of mono audio.
func DurationBytes(sampleRate, ms int) int {
	return sampleRate * ms / 1000 * 2
}
