package telephony

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/pipeline"
	"github.com/lexiqai/coach-gateway/internal/transport"
)

const maxDatagram = 1500

// RTPListenerConfig configures the peer-to-peer listener.
type RTPListenerConfig struct {
	PayloadType uint8
	SampleRate  int
	IdleTimeout time.Duration
}

type rtpPeer struct {
	session  *pipeline.Session
	adapter  *transport.RTPAdapter
	addr     atomic.Pointer[net.Addr]
	lastSeen atomic.Int64
}

// RTPListener demultiplexes RTP datagrams by SSRC, one session per source.
// Replies go back to the address the source last sent from.
type RTPListener struct {
	gateway *Gateway
	conn    net.PacketConn
	cfg     RTPListenerConfig

	mu    sync.Mutex
	peers map[uint32]*rtpPeer
}

// NewRTPListener serves RTP on conn. The listener owns conn and closes it
// when Run returns.
func (g *Gateway) NewRTPListener(conn net.PacketConn, cfg RTPListenerConfig) *RTPListener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	return &RTPListener{
		gateway: g,
		conn:    conn,
		cfg:     cfg,
		peers:   make(map[uint32]*rtpPeer),
	}
}

// Addr returns the local address.
func (l *RTPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Run reads datagrams until ctx is done, then ends every peer session.
func (l *RTPListener) Run(ctx context.Context) error {
	log := l.gateway.logger.With().Str("listen_addr", l.Addr().String()).Logger()
	log.Info().Msg("RTP listener started")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		l.conn.Close()
	}()
	go l.reap(ctx, stop)
	defer func() {
		close(stop)
		l.endAll()
		log.Info().Msg("RTP listener stopped")
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("RTP read failed")
			return err
		}
		l.handle(ctx, buf[:n], addr)
	}
}

func (l *RTPListener) handle(ctx context.Context, raw []byte, addr net.Addr) {
	if len(raw) < 12 {
		observability.RecordMalformed(string(transport.KindPeerToPeer))
		return
	}
	ssrc := binary.BigEndian.Uint32(raw[8:12])

	l.mu.Lock()
	p := l.peers[ssrc]
	if p == nil {
		p = l.open(ctx, ssrc, addr)
		l.peers[ssrc] = p
	}
	l.mu.Unlock()
	p.addr.Store(&addr)

	p.lastSeen.Store(time.Now().UnixNano())
	if err := p.session.Push(raw); errors.Is(err, pipeline.ErrSessionEnded) {
		l.forget(ssrc, p)
	}
}

// open is called with l.mu held and must not block: the recognizer dials in
// the background. Replies read the peer address without taking l.mu.
func (l *RTPListener) open(ctx context.Context, ssrc uint32, addr net.Addr) *rtpPeer {
	p := &rtpPeer{
		adapter: transport.NewRTPAdapter(transport.RTPConfig{
			PayloadType: l.cfg.PayloadType,
			SampleRate:  l.cfg.SampleRate,
		}, l.gateway.logger),
	}
	p.addr.Store(&addr)
	output := func(raw []byte) error {
		_, err := l.conn.WriteTo(raw, *p.addr.Load())
		return err
	}
	s := l.gateway.open(ctx, p.adapter, pipeline.Deps{
		Reasoner:    l.gateway.deps.Reasoner,
		Synthesizer: l.gateway.deps.Synthesizer,
		Output:      output,
	})
	p.session = s
	l.gateway.logger.Info().
		Str("session_id", s.ID()).
		Uint32("remote_ssrc", ssrc).
		Uint32("local_ssrc", p.adapter.SSRC()).
		Str("remote", addr.String()).
		Msg("RTP peer session opened")
	return p
}

func (l *RTPListener) reap(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-l.cfg.IdleTimeout).UnixNano()
			l.mu.Lock()
			var idle []uint32
			for ssrc, p := range l.peers {
				if p.lastSeen.Load() < cutoff {
					idle = append(idle, ssrc)
				}
			}
			l.mu.Unlock()
			for _, ssrc := range idle {
				l.mu.Lock()
				p := l.peers[ssrc]
				l.mu.Unlock()
				if p != nil {
					l.gateway.logger.Info().Uint32("remote_ssrc", ssrc).Msg("RTP peer idle")
					l.forget(ssrc, p)
				}
			}
		}
	}
}

// forget removes p if it is still the session for ssrc and ends it.
func (l *RTPListener) forget(ssrc uint32, p *rtpPeer) {
	l.mu.Lock()
	if l.peers[ssrc] == p {
		delete(l.peers, ssrc)
	}
	l.mu.Unlock()
	go l.gateway.close(p.session, drainWait)
}

func (l *RTPListener) endAll() {
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[uint32]*rtpPeer)
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.gateway.close(p.session, drainWait)
		}()
	}
	wg.Wait()
}

// Peers returns the number of live sources.
func (l *RTPListener) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}
