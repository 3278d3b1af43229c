package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

const mediaStreamRate = 8000

// StreamMessage is one Twilio Media Streams event.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

// StreamStart is the payload of a start event.
type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the encoding announced in a start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia is the payload of a media event.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamMark is the payload of a mark event.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamStop is the payload of a stop event.
type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// StreamInfo is what the start event told us about the stream.
type StreamInfo struct {
	StreamSid  string
	CallSid    string
	AccountSid string
	Parameters map[string]string
}

// MediaStreamAdapter speaks the provider's JSON media-stream protocol.
type MediaStreamAdapter struct {
	logger zerolog.Logger

	// OnStart and OnStop are called from Ingest when the corresponding event arrives.
	OnStart func(StreamInfo)
	OnStop  func()
	// OnMark is called when the provider confirms playback reached a mark.
	OnMark func(name string)

	mu   sync.RWMutex
	info StreamInfo

	malformed atomic.Uint64
	received  atomic.Uint64
}

// NewMediaStreamAdapter creates an adapter for one media-stream connection.
func NewMediaStreamAdapter(logger zerolog.Logger) *MediaStreamAdapter {
	return &MediaStreamAdapter{
		logger: logger.With().Str("transport", string(KindProviderStream)).Logger(),
	}
}

func (a *MediaStreamAdapter) Kind() Kind { return KindProviderStream }

// Ingest parses one text message. Control events update adapter state and
// return no frame.
func (a *MediaStreamAdapter) Ingest(raw []byte) (Frame, bool) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.drop(fmt.Errorf("%w: %v", ErrMalformed, err))
		return Frame{}, false
	}

	switch msg.Event {
	case "connected":
		a.logger.Debug().Str("protocol", msg.Protocol).Str("version", msg.Version).Msg("Media stream connected")
		return Frame{}, false

	case "start":
		if msg.Start == nil {
			a.drop(fmt.Errorf("%w: start event without start object", ErrMalformed))
			return Frame{}, false
		}
		info := StreamInfo{
			StreamSid:  msg.Start.StreamSid,
			CallSid:    msg.Start.CallSid,
			AccountSid: msg.Start.AccountSid,
			Parameters: msg.Start.CustomParameters,
		}
		if info.StreamSid == "" {
			info.StreamSid = msg.StreamSid
		}
		a.mu.Lock()
		a.info = info
		a.mu.Unlock()
		a.logger.Info().Str("stream_sid", info.StreamSid).Str("call_sid", info.CallSid).Msg("Media stream started")
		if a.OnStart != nil {
			a.OnStart(info)
		}
		return Frame{}, false

	case "media":
		return a.ingestMedia(&msg)

	case "mark":
		if msg.Mark != nil && a.OnMark != nil {
			a.OnMark(msg.Mark.Name)
		}
		return Frame{}, false

	case "dtmf":
		return Frame{}, false

	case "stop":
		a.logger.Info().Str("stream_sid", msg.StreamSid).Msg("Media stream stopped")
		if a.OnStop != nil {
			a.OnStop()
		}
		return Frame{}, false

	default:
		a.drop(fmt.Errorf("%w: unknown event %q", ErrMalformed, msg.Event))
		return Frame{}, false
	}
}

func (a *MediaStreamAdapter) ingestMedia(msg *StreamMessage) (Frame, bool) {
	if msg.Media == nil {
		a.drop(fmt.Errorf("%w: media event without media object", ErrMalformed))
		return Frame{}, false
	}
	payload := msg.Media.Payload
	if payload == "" {
		a.drop(fmt.Errorf("%w: media event without payload", ErrMalformed))
		return Frame{}, false
	}
	mulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		a.drop(fmt.Errorf("%w: bad base64 payload: %v", ErrMalformed, err))
		return Frame{}, false
	}
	a.received.Add(1)
	observability.RecordFrame(string(KindProviderStream), len(mulaw))

	seq, _ := strconv.ParseUint(msg.SequenceNumber, 10, 32)
	ts, _ := strconv.ParseUint(msg.Media.Timestamp, 10, 32)
	return Frame{
		Data:       audio.DecodeMulaw(mulaw),
		Seq:        uint32(seq),
		Timestamp:  uint32(ts),
		Encoding:   EncodingPCM16,
		SampleRate: mediaStreamRate,
		Channels:   1,
	}, true
}

// Emit encodes a frame as an outbound media event for the current stream.
func (a *MediaStreamAdapter) Emit(f Frame) ([]byte, error) {
	streamSid := a.StreamSid()
	if streamSid == "" {
		return nil, ErrNotReady
	}

	var mulaw []byte
	if f.Encoding == EncodingMulaw && f.SampleRate == mediaStreamRate {
		mulaw = f.Data
	} else {
		pcm, err := f.ToPCM16(mediaStreamRate)
		if err != nil {
			return nil, err
		}
		if mulaw, err = audio.EncodeMulaw(pcm); err != nil {
			return nil, err
		}
	}

	return json.Marshal(StreamMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// Clear builds the event that discards audio the provider has buffered for playback.
func (a *MediaStreamAdapter) Clear() ([]byte, error) {
	streamSid := a.StreamSid()
	if streamSid == "" {
		return nil, ErrNotReady
	}
	return json.Marshal(StreamMessage{Event: "clear", StreamSid: streamSid})
}

// MarkMessage builds a mark event the provider echoes back once preceding audio has played.
func (a *MediaStreamAdapter) MarkMessage(name string) ([]byte, error) {
	streamSid := a.StreamSid()
	if streamSid == "" {
		return nil, ErrNotReady
	}
	return json.Marshal(StreamMessage{Event: "mark", StreamSid: streamSid, Mark: &StreamMark{Name: name}})
}

// StreamSid returns the id captured from the start event.
func (a *MediaStreamAdapter) StreamSid() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info.StreamSid
}

// Info returns everything captured from the start event.
func (a *MediaStreamAdapter) Info() StreamInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Malformed returns the number of dropped events.
func (a *MediaStreamAdapter) Malformed() uint64 {
	return a.malformed.Load()
}

func (a *MediaStreamAdapter) drop(err error) {
	a.malformed.Add(1)
	observability.RecordMalformed(string(KindProviderStream))
	a.logger.Warn().Err(err).Msg("Dropping media stream event")
}
