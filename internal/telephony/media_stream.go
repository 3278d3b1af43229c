package telephony

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/pipeline"
	"github.com/lexiqai/coach-gateway/internal/transport"
)

const (
	maxMessageSize = 64 * 1024
	writeWait      = 5 * time.Second
	drainWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// Twilio does not send an Origin header; requests are authenticated by the
	// stream URL handed out in TwiML.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleMediaStream accepts Twilio Media Streams connections. Streams that
// carry an analysis_id parameter belong to a coaching conference and are only
// transcribed; any other stream runs the full voice agent loop.
func (g *Gateway) HandleMediaStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()
		g.serveStream(r.Context(), conn)
	}
}

func (g *Gateway) serveStream(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	log := g.logger.With().
		Str("correlation_id", observability.NewCorrelationID()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	adapter := transport.NewMediaStreamAdapter(log)

	var wmu sync.Mutex
	write := func(raw []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, raw)
	}

	var sess *pipeline.Session
	defer func() {
		if sess != nil {
			g.close(sess, drainWait)
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if sess == nil {
			// Until the start event arrives there is no stream to answer on;
			// early media is discarded.
			adapter.Ingest(msg)
			if adapter.StreamSid() == "" {
				continue
			}
			sess = g.openStream(ctx, adapter, write, log)
			continue
		}

		// A stop event ends the session from inside Push.
		if err := sess.Push(msg); errors.Is(err, pipeline.ErrSessionEnded) || sess.State() == pipeline.StateEnded {
			return
		}
	}
}

func (g *Gateway) openStream(ctx context.Context, adapter *transport.MediaStreamAdapter, write func([]byte) error, log zerolog.Logger) *pipeline.Session {
	info := adapter.Info()
	analysisID := info.Parameters["analysis_id"]
	speaker := analysis.SpeakerRep
	if info.Parameters["speaker"] == string(analysis.SpeakerCustomer) {
		speaker = analysis.SpeakerCustomer
	}

	deps := pipeline.Deps{
		Output: write,
		OnBargeIn: func() {
			raw, err := adapter.Clear()
			if err == nil {
				err = write(raw)
			}
			if err != nil {
				log.Warn().Err(err).Msg("Failed to clear provider playback")
			}
		},
	}
	if analysisID != "" && g.deps.Turns != nil {
		deps.OnTranscript = func(text string) {
			g.deps.Turns.AnalyzeTurn(analysisID, speaker, text)
		}
	} else {
		deps.Reasoner = g.deps.Reasoner
		deps.Synthesizer = g.deps.Synthesizer
	}

	sess := g.open(ctx, adapter, deps)
	adapter.OnStop = sess.End

	log.Info().
		Str("session_id", sess.ID()).
		Str("stream_sid", info.StreamSid).
		Str("call_sid", info.CallSid).
		Str("conference_id", info.Parameters["conference_id"]).
		Str("analysis_id", analysisID).
		Str("speaker", string(speaker)).
		Msg("Media stream started")
	return sess
}
