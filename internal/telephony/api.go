package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/conference"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

const maxBodySize = 1 << 20

// Advice serves whispered advice clips to the provider.
type Advice interface {
	Clip(id string) ([]byte, bool)
	Announcement(id string) (string, bool)
}

// Signatures checks the provider's request signature.
type Signatures interface {
	Validate(url string, params map[string]string, signature string) bool
}

// API serves the conference, trigger and session endpoints. Conferences and
// Advice are nil when conferencing is not configured. Provider callbacks are
// signature-checked against PublicURL when Signatures is set.
type API struct {
	Conferences *conference.Controller
	Engine      *coaching.Engine
	Analyzer    *analysis.Analyzer
	Gateway     *Gateway
	Advice      Advice
	Signatures  Signatures
	PublicURL   string
	Logger      zerolog.Logger
}

type createConferenceRequest struct {
	RepPhone    string `json:"rep_phone"`
	ClientPhone string `json:"client_phone"`
	CoachID     string `json:"coach_id"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /streams/twilio", a.Gateway.HandleMediaStream())
	mux.HandleFunc("GET /sessions", a.listSessions)

	mux.HandleFunc("POST /conferences", a.withConferences(a.createConference))
	mux.HandleFunc("GET /conferences/{id}", a.withConferences(a.getConference))
	mux.HandleFunc("DELETE /conferences/{id}", a.withConferences(a.endConference))
	mux.HandleFunc("POST /conferences/{name}/mode", a.withConferences(a.setMode))
	mux.HandleFunc("POST /callbacks/conference", a.withConferences(a.withSignature(a.conferenceCallback)))
	mux.HandleFunc("POST /twiml/coach", a.withConferences(a.withSignature(a.coachTwiML)))
	mux.HandleFunc("POST /advice/{id}/twiml", a.withAdvice(a.withSignature(a.adviceTwiML)))
	mux.HandleFunc("GET /advice/{id}", a.withAdvice(a.adviceClip))

	mux.HandleFunc("GET /analysis/{id}", a.getAnalysis)
	mux.HandleFunc("GET /triggers", a.listTriggers)
	mux.HandleFunc("POST /triggers", a.addTrigger)
	mux.HandleFunc("GET /triggers/stats", a.triggerStats)
}

func (a *API) withConferences(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Conferences == nil {
			writeError(w, http.StatusServiceUnavailable, "conferencing is not configured")
			return
		}
		h(w, r)
	}
}

func (a *API) withAdvice(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Advice == nil {
			writeError(w, http.StatusServiceUnavailable, "conferencing is not configured")
			return
		}
		h(w, r)
	}
}

// withSignature rejects provider requests whose X-Twilio-Signature does not
// match the public URL and form parameters.
func (a *API) withSignature(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Signatures == nil {
			h(w, r)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := strings.TrimRight(a.PublicURL, "/") + r.URL.RequestURI()
		if !a.Signatures.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			observability.RecordError("invalid_signature", "api")
			a.Logger.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("Rejected unsigned provider request")
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
		h(w, r)
	}
}

func (a *API) createConference(w http.ResponseWriter, r *http.Request) {
	var req createConferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := a.Conferences.CreateCoachingConference(r.Context(), req.RepPhone, req.ClientPhone, req.CoachID)
	switch {
	case errors.Is(err, conference.ErrMissingPhone):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.Logger.Error().Err(err).Msg("Failed to create coaching conference")
		observability.RecordError("create_conference", "api")
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusCreated, created)
	}
}

func (a *API) getConference(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.Conferences.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, conference.ErrConferenceNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) endConference(w http.ResponseWriter, r *http.Request) {
	err := a.Conferences.EndConference(r.Context(), r.PathValue("id"))
	if errors.Is(err, conference.ErrConferenceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Conference ended locally after provider failure")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := a.Conferences.ToggleCoachMode(r.Context(), r.PathValue("name"), req.Mode)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, conference.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conference.ErrConferenceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conference.ErrConferenceEnded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		observability.RecordError("coach_mode", "api")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// conferenceCallback always acknowledges so the provider does not retry
// events for conferences this instance does not track.
func (a *API) conferenceCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := conference.StatusEvent{
		Event:         r.PostForm.Get("StatusCallbackEvent"),
		ConferenceSID: r.PostForm.Get("ConferenceSid"),
		FriendlyName:  r.PostForm.Get("FriendlyName"),
		CallSID:       r.PostForm.Get("CallSid"),
	}
	ev.Muted, _ = strconv.ParseBool(r.PostForm.Get("Muted"))
	ev.Hold, _ = strconv.ParseBool(r.PostForm.Get("Hold"))

	if err := a.Conferences.HandleStatus(r.Context(), ev); err != nil {
		a.Logger.Debug().Err(err).Str("event", ev.Event).Str("friendly_name", ev.FriendlyName).Msg("Conference callback not applied")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) coachTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	twiml, err := a.Conferences.AttachCoach(r.PostForm.Get("Digits"), r.PostForm.Get("CallSid"), r.URL.Path)
	if err != nil {
		a.Logger.Info().Err(err).Str("call_sid", r.PostForm.Get("CallSid")).Msg("Coach dial-in rejected")
	}
	if twiml == "" {
		writeError(w, http.StatusInternalServerError, "failed to render twiml")
		return
	}
	writeXML(w, twiml)
}

func (a *API) adviceTwiML(w http.ResponseWriter, r *http.Request) {
	twiml, ok := a.Advice.Announcement(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "advice not found")
		return
	}
	writeXML(w, twiml)
}

// adviceClip is unsigned: the provider fetches <Play> media without a
// signature, and clip ids are random and short-lived.
func (a *API) adviceClip(w http.ResponseWriter, r *http.Request) {
	wav, ok := a.Advice.Clip(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "advice not found")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (a *API) getAnalysis(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Analyzer.Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "analysis session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) listTriggers(w http.ResponseWriter, r *http.Request) {
	rules := a.Engine.Rules()
	defs := make([]coaching.RuleDef, 0, len(rules))
	for _, rule := range rules {
		defs = append(defs, rule.Def())
	}
	writeJSON(w, http.StatusOK, defs)
}

func (a *API) addTrigger(w http.ResponseWriter, r *http.Request) {
	var def coaching.RuleDef
	if !decodeJSON(w, r, &def) {
		return
	}
	rule, err := a.Engine.AddCustomTrigger(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule.Def())
}

func (a *API) triggerStats(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	stats, err := a.Engine.GetTriggerStats(r.Context(), timeframe)
	switch {
	case errors.Is(err, coaching.ErrInvalidTimeframe):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		observability.RecordError("trigger_stats", "api")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"timeframe": timeframe, "triggers": stats})
	}
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Gateway.Stats())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeXML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
