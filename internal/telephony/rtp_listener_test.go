package telephony

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/coach-gateway/internal/transport"
)

type rtpFixture struct {
	recs     *recognizers
	gateway  *Gateway
	listener *RTPListener
	client   net.PacketConn
	done     chan error
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newRTPFixture(t *testing.T, idle time.Duration, opts ...func(*recognizers)) *rtpFixture {
	t.Helper()
	f := &rtpFixture{recs: &recognizers{text: "hello there"}, done: make(chan error, 1)}
	for _, opt := range opts {
		opt(f.recs)
	}
	f.gateway = NewGateway(testPipelineConfig(), Deps{
		Recognizers: f.recs.factory,
		Reasoner:    echoReasoner{},
		Synthesizer: fixedSynth{},
	}, zerolog.Nop())

	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	f.listener = f.gateway.NewRTPListener(server, RTPListenerConfig{PayloadType: transport.PayloadTypePCMU, IdleTimeout: idle})

	f.client, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { f.client.Close() })

	var ctx context.Context
	ctx, f.cancel = context.WithCancel(context.Background())
	go func() { f.done <- f.listener.Run(ctx) }()
	t.Cleanup(f.stop)
	return f
}

func (f *rtpFixture) stop() {
	f.stopOnce.Do(func() {
		f.cancel()
		<-f.done
	})
}

// sendChunk sends five 20 ms PCMU packets from ssrc, one recognition chunk.
func (f *rtpFixture) sendChunk(t *testing.T, ssrc uint32) {
	t.Helper()
	for i := range 5 {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    transport.PayloadTypePCMU,
				SequenceNumber: uint16(100 + i),
				Timestamp:      uint32(160 * i),
				SSRC:           ssrc,
			},
			Payload: bytes.Repeat([]byte{0xFF}, 160),
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = f.client.WriteTo(raw, f.listener.Addr())
		require.NoError(t, err)
	}
}

func TestRTPListener_RespondsToSource(t *testing.T) {
	f := newRTPFixture(t, time.Minute)
	f.sendChunk(t, 0xCAFE)

	require.NoError(t, f.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagram)
	n, _, err := f.client.ReadFrom(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, transport.PayloadTypePCMU, pkt.PayloadType)
	assert.NotEqual(t, uint32(0xCAFE), pkt.SSRC)
	assert.True(t, pkt.Marker, "first packet of a talkspurt")
	assert.Len(t, pkt.Payload, 160)
	assert.Equal(t, 1, f.listener.Peers())
}

func TestRTPListener_SessionPerSource(t *testing.T) {
	f := newRTPFixture(t, time.Minute)
	f.sendChunk(t, 1)
	f.sendChunk(t, 2)
	f.sendChunk(t, 1)

	require.Eventually(t, func() bool { return f.listener.Peers() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.recs.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.gateway.Stats(), 2)
}

func TestRTPListener_SlowRecognizerDoesNotStallIntake(t *testing.T) {
	hold := make(chan struct{})
	f := newRTPFixture(t, time.Minute, func(r *recognizers) {
		r.holdDial = 1
		r.hold = hold
	})
	t.Cleanup(func() { close(hold) })

	f.sendChunk(t, 1)
	require.Eventually(t, func() bool { return f.recs.dialed() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.sendChunk(t, 2)
	f.sendChunk(t, 1)

	require.Eventually(t, func() bool {
		stats := f.gateway.Stats()
		if len(stats) != 2 {
			return false
		}
		total := stats[0].FramesIn + stats[1].FramesIn
		return total == 15
	}, 2*time.Second, 10*time.Millisecond, "frames from both sources are ingested while the first dial hangs")
	require.Eventually(t, func() bool { return f.recs.count() == 1 }, 2*time.Second, 10*time.Millisecond, "only the second source has a recognizer")

	hold <- struct{}{}
	require.Eventually(t, func() bool { return f.recs.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRTPListener_DropsRunts(t *testing.T) {
	f := newRTPFixture(t, time.Minute)
	_, err := f.client.WriteTo([]byte{0x80, 0x00, 0x01}, f.listener.Addr())
	require.NoError(t, err)
	f.sendChunk(t, 7)

	require.Eventually(t, func() bool { return f.listener.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.recs.count())
}

func TestRTPListener_IdleSourceEnds(t *testing.T) {
	f := newRTPFixture(t, 100*time.Millisecond)
	f.sendChunk(t, 9)
	require.Eventually(t, func() bool { return f.recs.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.listener.Peers() == 0 && f.recs.get(0).isClosed()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.gateway.Stats()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRTPListener_StopEndsSessions(t *testing.T) {
	f := newRTPFixture(t, time.Minute)
	f.sendChunk(t, 3)
	require.Eventually(t, func() bool { return f.listener.Peers() == 1 && f.recs.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.stop()
	assert.Zero(t, f.listener.Peers())
	require.Eventually(t, func() bool { return f.recs.get(0).isClosed() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.gateway.Stats())
}
