// Package transport converts between wire formats and the audio Frame the
// session pipeline consumes. Adapters are stateful per stream and are not safe
// for concurrent Ingest calls; Emit may be called from a different goroutine.
package transport

import (
	"errors"

	"github.com/lexiqai/coach-gateway/internal/audio"
)

// Kind identifies which wire protocol an adapter speaks.
type Kind string

const (
	KindPeerToPeer     Kind = "peer-to-peer"
	KindProviderStream Kind = "provider-stream"
)

// Encoding of Frame.Data.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // little-endian signed 16-bit
	EncodingMulaw Encoding = "mulaw" // G.711 mu-law
)

var (
	// ErrMalformed wraps every parse failure on inbound packets or events.
	ErrMalformed = errors.New("malformed frame")
	// ErrNotReady is returned by Emit before the stream has been identified.
	ErrNotReady = errors.New("stream not started")
)

// Frame is one unit of audio plus its wire metadata. Data is owned by whoever
// holds the frame; stages hand frames on rather than sharing them.
type Frame struct {
	Data       []byte
	Seq        uint32
	Timestamp  uint32
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// ToPCM16 returns the frame's audio as PCM16 at the target rate.
func (f Frame) ToPCM16(targetRate int) ([]byte, error) {
	pcm := f.Data
	if f.Encoding == EncodingMulaw {
		pcm = audio.DecodeMulaw(f.Data)
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = targetRate
	}
	return audio.Resample(pcm, rate, targetRate)
}

// Adapter converts between a wire format and Frames.
type Adapter interface {
	Kind() Kind
	// Ingest parses one raw packet or event. The bool is false when the input
	// carried no audio or was dropped as malformed.
	Ingest(raw []byte) (Frame, bool)
	// Emit serializes a PCM16 frame into one outbound packet or event.
	Emit(f Frame) ([]byte, error)
}
