package transport

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

const (
	rtpHeaderLen = 12
	rtpVersion   = 2

	// PayloadTypePCMU is the static RTP payload type for G.711 mu-law at 8kHz.
	PayloadTypePCMU uint8 = 0
	pcmuClockRate         = 8000
)

// RTPConfig configures the outbound header and how non-PCMU payloads are read.
type RTPConfig struct {
	PayloadType uint8  // outbound payload type
	SampleRate  int    // clock rate of linear (L16) payloads
	Channels    int    // channel count for timestamp advance
	SSRC        uint32 // zero picks a random source id
}

// RTPStats counts packets seen by an adapter.
type RTPStats struct {
	Received  uint64
	Malformed uint64
	Gaps      uint64
	Sent      uint64
}

// RTPAdapter parses and builds RTP packets for the peer-to-peer transport.
// PCMU payloads are decoded to PCM16; other payload types are read as L16 in
// network byte order.
type RTPAdapter struct {
	cfg    RTPConfig
	logger zerolog.Logger

	// inbound, single reader
	lastSeq uint16
	haveSeq bool

	// outbound
	mu      sync.Mutex
	seq     uint16
	ts      uint32
	started bool

	received  atomic.Uint64
	malformed atomic.Uint64
	gaps      atomic.Uint64
	sent      atomic.Uint64
}

// NewRTPAdapter creates an adapter for one RTP stream.
func NewRTPAdapter(cfg RTPConfig, logger zerolog.Logger) *RTPAdapter {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pcmuClockRate
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32() | 1
	}
	return &RTPAdapter{
		cfg:    cfg,
		logger: logger.With().Str("transport", string(KindPeerToPeer)).Uint32("ssrc", cfg.SSRC).Logger(),
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
	}
}

func (a *RTPAdapter) Kind() Kind { return KindPeerToPeer }

// SSRC returns the source id stamped on outbound packets.
func (a *RTPAdapter) SSRC() uint32 { return a.cfg.SSRC }

// Ingest parses one datagram. Unsupported versions and truncated packets are
// dropped; sequence gaps are counted but never repaired.
func (a *RTPAdapter) Ingest(raw []byte) (Frame, bool) {
	if len(raw) < rtpHeaderLen {
		a.drop(fmt.Errorf("%w: %d byte packet shorter than rtp header", ErrMalformed, len(raw)))
		return Frame{}, false
	}
	if v := raw[0] >> 6; v != rtpVersion {
		a.drop(fmt.Errorf("%w: unsupported rtp version %d", ErrMalformed, v))
		return Frame{}, false
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		a.drop(fmt.Errorf("%w: %v", ErrMalformed, err))
		return Frame{}, false
	}
	a.received.Add(1)

	if a.haveSeq && pkt.SequenceNumber != a.lastSeq+1 {
		a.gaps.Add(1)
		a.logger.Debug().
			Uint16("expected", a.lastSeq+1).
			Uint16("got", pkt.SequenceNumber).
			Msg("RTP sequence discontinuity")
	}
	a.lastSeq = pkt.SequenceNumber
	a.haveSeq = true

	if len(pkt.Payload) == 0 {
		return Frame{}, false
	}

	frame := Frame{
		Seq:       uint32(pkt.SequenceNumber),
		Timestamp: pkt.Timestamp,
		Encoding:  EncodingPCM16,
		Channels:  a.cfg.Channels,
	}
	if pkt.PayloadType == PayloadTypePCMU {
		frame.Data = audio.DecodeMulaw(pkt.Payload)
		frame.SampleRate = pcmuClockRate
	} else {
		if len(pkt.Payload)%2 != 0 {
			a.drop(fmt.Errorf("%w: odd L16 payload of %d bytes", ErrMalformed, len(pkt.Payload)))
			return Frame{}, false
		}
		// Payload aliases the caller's read buffer; swapBytes copies.
		frame.Data = swapBytes(pkt.Payload)
		frame.SampleRate = a.cfg.SampleRate
	}
	observability.RecordFrame(string(KindPeerToPeer), len(raw))
	return frame, true
}

// Emit wraps a frame in a new RTP header. The first packet carries the marker
// bit; sequence numbers increase by one and the timestamp by the number of
// samples per channel.
func (a *RTPAdapter) Emit(f Frame) ([]byte, error) {
	payload, samples, err := a.encodePayload(f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         !a.started,
			PayloadType:    a.cfg.PayloadType,
			SequenceNumber: a.seq,
			Timestamp:      a.ts,
			SSRC:           a.cfg.SSRC,
		},
		Payload: payload,
	}
	a.started = true
	a.seq++
	a.ts += uint32(samples / a.cfg.Channels)
	a.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rtp packet: %w", err)
	}
	a.sent.Add(1)
	return raw, nil
}

func (a *RTPAdapter) encodePayload(f Frame) ([]byte, int, error) {
	if a.cfg.PayloadType == PayloadTypePCMU {
		if f.Encoding == EncodingMulaw && f.SampleRate == pcmuClockRate {
			return f.Data, len(f.Data), nil
		}
		pcm, err := f.ToPCM16(pcmuClockRate)
		if err != nil {
			return nil, 0, err
		}
		mulaw, err := audio.EncodeMulaw(pcm)
		if err != nil {
			return nil, 0, err
		}
		return mulaw, len(mulaw), nil
	}

	pcm, err := f.ToPCM16(a.cfg.SampleRate)
	if err != nil {
		return nil, 0, err
	}
	return swapBytes(pcm), len(pcm) / 2, nil
}

// Stats returns packet counters.
func (a *RTPAdapter) Stats() RTPStats {
	return RTPStats{
		Received:  a.received.Load(),
		Malformed: a.malformed.Load(),
		Gaps:      a.gaps.Load(),
		Sent:      a.sent.Load(),
	}
}

func (a *RTPAdapter) drop(err error) {
	a.malformed.Add(1)
	observability.RecordMalformed(string(KindPeerToPeer))
	a.logger.Warn().Err(err).Msg("Dropping RTP packet")
}

// swapBytes converts between little-endian and network-order 16-bit samples
// into a new slice.
func swapBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i := 0; i+1 < len(in); i += 2 {
		out[i], out[i+1] = in[i+1], in[i]
	}
	return out
}
