// Package conference runs three-leg coaching conferences: the rep and the
// customer talk normally while the coach leg moves between mute, whisper and
// broadcast.
package conference

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

var (
	ErrConferenceNotFound = errors.New("conference not found")
	ErrConferenceEnded    = errors.New("conference ended")
	ErrInvalidMode        = errors.New("invalid coach mode")
	ErrInvalidAccessCode  = errors.New("invalid access code")
	ErrCoachAlreadyJoined = errors.New("coach already joined")
	ErrMissingPhone       = errors.New("rep and client phone numbers are required")
	ErrProviderRejected   = errors.New("provider rejected request")
)

const accessCodeDigits = 6

// Status is the conference lifecycle position.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Record is the persisted and reported view of a conference.
type Record struct {
	ID          string    `json:"conference_id"`
	Name        string    `json:"friendly_name"`
	SID         string    `json:"conference_sid,omitempty"`
	CoachID     string    `json:"coach_id"`
	AnalysisID  string    `json:"analysis_id,omitempty"`
	RepPhone    string    `json:"rep_phone"`
	ClientPhone string    `json:"client_phone"`
	AccessCode  string    `json:"access_code"`
	Status      Status    `json:"status"`
	Mode        Mode      `json:"coach_mode"`
	Legs        []Leg     `json:"legs"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Created is returned to the caller that started a conference.
type Created struct {
	ConferenceID    string `json:"conference_id"`
	FriendlyName    string `json:"friendly_name"`
	AnalysisID      string `json:"analysis_id,omitempty"`
	CoachDialIn     string `json:"coach_dial_in,omitempty"`
	AccessCode      string `json:"access_code"`
	RepCallSID      string `json:"rep_call_sid"`
	CustomerCallSID string `json:"customer_call_sid"`
}

// Store persists conference records. Failures are logged and ignored.
type Store interface {
	SaveConference(ctx context.Context, r Record) error
}

// Analyzer starts and ends the analysis session tied to a conference.
type Analyzer interface {
	StartAnalysis(conferenceID, coachID, repPhone string) string
	EndAnalysis(sessionID string) (analysis.Summary, bool)
}

// StatusEvent is one provider conference callback.
type StatusEvent struct {
	Event         string
	ConferenceSID string
	FriendlyName  string
	CallSID       string
	Muted         bool
	Hold          bool
}

// Conference is the controller's tracking state for one conference.
type Conference struct {
	id          string
	name        string
	coachID     string
	accessCode  string
	analysisID  string
	repPhone    string
	clientPhone string
	createdAt   time.Time
	logger      zerolog.Logger

	// toggleMu serializes mode changes without holding mu across provider calls.
	toggleMu sync.Mutex

	mu        sync.RWMutex
	sid       string
	status    Status
	mode      Mode
	legs      map[Role]*Leg
	earlyJoin map[string]bool
	updatedAt time.Time

	// Record writes are coalesced: one writer per conference, always saving
	// the newest snapshot.
	saveMu  sync.Mutex
	saving  bool
	unsaved *Record
}

func (c *Conference) roleOf(callSID string) (Role, bool) {
	if callSID == "" {
		return "", false
	}
	for _, role := range []Role{RoleRep, RoleCustomer, RoleCoach} {
		if c.legs[role].CallSID == callSID {
			return role, true
		}
	}
	return "", false
}

func (c *Conference) record() Record {
	legs := make([]Leg, 0, 3)
	for _, role := range []Role{RoleRep, RoleCustomer, RoleCoach} {
		legs = append(legs, *c.legs[role])
	}
	return Record{
		ID:          c.id,
		Name:        c.name,
		SID:         c.sid,
		CoachID:     c.coachID,
		AnalysisID:  c.analysisID,
		RepPhone:    c.repPhone,
		ClientPhone: c.clientPhone,
		AccessCode:  c.accessCode,
		Status:      c.status,
		Mode:        c.mode,
		Legs:        legs,
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
	}
}

// Controller tracks live conferences. Each conference has its own lock; the
// controller lock only guards the indexes.
type Controller struct {
	provider       Provider
	analyzer       Analyzer
	store          Store
	twiml          twimlBuilder
	dialIn         string
	persistTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger
	pending        sync.WaitGroup

	mu          sync.RWMutex
	conferences map[string]*Conference
	names       map[string]string
	codes       map[string]string
}

// Option configures a Controller.
type Option func(*Controller)

// WithAnalyzer starts an analysis session for every conference.
func WithAnalyzer(a Analyzer) Option { return func(c *Controller) { c.analyzer = a } }

// WithStore persists conference records.
func WithStore(s Store) Option { return func(c *Controller) { c.store = s } }

// WithPublicURL sets the externally reachable base used for media streams and
// status callbacks.
func WithPublicURL(u string) Option { return func(c *Controller) { c.twiml.publicURL = u } }

// WithDialIn sets the number coaches call to join.
func WithDialIn(number string) Option { return func(c *Controller) { c.dialIn = number } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithPersistTimeout bounds each record write.
func WithPersistTimeout(d time.Duration) Option { return func(c *Controller) { c.persistTimeout = d } }

// NewController creates a controller that places calls through provider.
func NewController(provider Provider, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		provider:       provider,
		persistTimeout: 2 * time.Second,
		now:            time.Now,
		logger:         logger.With().Str("component", "conference").Logger(),
		conferences:    make(map[string]*Conference),
		names:          make(map[string]string),
		codes:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) byID(id string) *Conference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conferences[id]
}

func (c *Controller) byName(name string) *Conference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conferences[c.names[name]]
}

// Get returns a conference's current record.
func (c *Controller) Get(id string) (Record, bool) {
	conf := c.byID(id)
	if conf == nil {
		return Record{}, false
	}
	conf.mu.RLock()
	defer conf.mu.RUnlock()
	return conf.record(), true
}

// Active returns the number of tracked conferences.
func (c *Controller) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conferences)
}

// CreateCoachingConference registers a conference, starts its analysis and
// places the rep and customer calls. The coach joins later by dialing in with
// the returned access code.
func (c *Controller) CreateCoachingConference(ctx context.Context, repPhone, clientPhone, coachID string) (Created, error) {
	if repPhone == "" || clientPhone == "" {
		return Created{}, ErrMissingPhone
	}

	id := uuid.NewString()
	now := c.now()
	conf := &Conference{
		id:          id,
		name:        "coaching-" + id[:8],
		coachID:     coachID,
		repPhone:    repPhone,
		clientPhone: clientPhone,
		createdAt:   now,
		updatedAt:   now,
		status:      StatusInitializing,
		mode:        ModeMute,
		legs: map[Role]*Leg{
			RoleRep:      {Role: RoleRep, State: LegPending, UpdatedAt: now},
			RoleCustomer: {Role: RoleCustomer, State: LegPending, UpdatedAt: now},
			RoleCoach:    {Role: RoleCoach, State: LegPending, UpdatedAt: now},
		},
		earlyJoin: make(map[string]bool),
	}
	conf.logger = c.logger.With().Str("conference_id", id).Str("friendly_name", conf.name).Logger()
	if c.analyzer != nil {
		conf.analysisID = c.analyzer.StartAnalysis(id, coachID, repPhone)
	}

	c.mu.Lock()
	conf.accessCode = c.newAccessCode()
	c.conferences[id] = conf
	c.names[conf.name] = id
	c.codes[conf.accessCode] = id
	active := len(c.conferences)
	c.mu.Unlock()
	observability.SetActiveConferences(active)
	c.persist(conf)

	created := Created{
		ConferenceID: id,
		FriendlyName: conf.name,
		AnalysisID:   conf.analysisID,
		CoachDialIn:  c.dialIn,
		AccessCode:   conf.accessCode,
	}
	for _, leg := range []struct {
		role  Role
		phone string
		sid   *string
	}{
		{RoleRep, repPhone, &created.RepCallSID},
		{RoleCustomer, clientPhone, &created.CustomerCallSID},
	} {
		twiml, err := c.twiml.participant(conf, leg.role)
		if err != nil {
			c.abort(ctx, conf)
			return Created{}, err
		}
		callSID, err := c.provider.CreateLeg(ctx, leg.phone, twiml)
		if err != nil {
			conf.logger.Error().Err(err).Str("role", string(leg.role)).Msg("Failed to place conference leg")
			c.abort(ctx, conf)
			return Created{}, fmt.Errorf("failed to place %s leg: %w", leg.role, err)
		}
		*leg.sid = callSID

		conf.mu.Lock()
		l := conf.legs[leg.role]
		l.CallSID = callSID
		_ = l.transition(LegConnecting, c.now())
		if conf.earlyJoin[callSID] {
			_ = l.transition(LegConnected, c.now())
			delete(conf.earlyJoin, callSID)
		}
		conf.updatedAt = c.now()
		conf.mu.Unlock()
	}

	c.persist(conf)
	conf.logger.Info().
		Str("rep_call_sid", created.RepCallSID).
		Str("customer_call_sid", created.CustomerCallSID).
		Str("analysis_id", conf.analysisID).
		Msg("Coaching conference created")
	return created, nil
}

func (c *Controller) newAccessCode() string {
	for {
		code := strconv.Itoa(100000 + rand.IntN(900000))
		if _, taken := c.codes[code]; !taken {
			return code
		}
	}
}

// abort hangs up any placed legs and releases a conference that failed to start.
func (c *Controller) abort(ctx context.Context, conf *Conference) {
	conf.mu.RLock()
	var placed []string
	for _, role := range []Role{RoleRep, RoleCustomer} {
		if sid := conf.legs[role].CallSID; sid != "" {
			placed = append(placed, sid)
		}
	}
	conf.mu.RUnlock()

	for _, sid := range placed {
		if err := c.provider.HangUp(ctx, sid); err != nil {
			conf.logger.Warn().Err(err).Str("call_sid", sid).Msg("Failed to hang up leg of aborted conference")
		}
	}
	c.release(conf, StatusFailed)
}

// AttachCoach handles the coach dial-in. Without a code it returns the access
// code prompt; with a valid code it records the coach call and returns the
// instructions that join it muted. Rejections return TwiML and an error.
func (c *Controller) AttachCoach(code, callSID, action string) (string, error) {
	if code == "" {
		return c.twiml.accessPrompt(action)
	}

	c.mu.RLock()
	conf := c.conferences[c.codes[code]]
	c.mu.RUnlock()
	if conf == nil {
		twiml, err := c.twiml.reject("That access code is not valid.")
		return twiml, errors.Join(ErrInvalidAccessCode, err)
	}

	conf.mu.Lock()
	coach := conf.legs[RoleCoach]
	if conf.status == StatusCompleted || conf.status == StatusFailed {
		conf.mu.Unlock()
		twiml, err := c.twiml.reject("This coaching session has ended.")
		return twiml, errors.Join(ErrConferenceEnded, err)
	}
	if coach.CallSID != "" && coach.CallSID != callSID && coach.State != LegEnded {
		conf.mu.Unlock()
		twiml, err := c.twiml.reject("A coach is already connected.")
		return twiml, errors.Join(ErrCoachAlreadyJoined, err)
	}
	if coach.State == LegEnded {
		*coach = Leg{Role: RoleCoach, State: LegPending}
	}
	coach.CallSID = callSID
	_ = coach.transition(LegConnecting, c.now())
	repCallSID := conf.legs[RoleRep].CallSID
	conf.updatedAt = c.now()
	conf.mu.Unlock()

	conf.logger.Info().Str("call_sid", callSID).Msg("Coach dialed in")
	return c.twiml.coach(conf, repCallSID)
}

// ToggleCoachMode moves the coach leg to mode. Restrictive modes take effect
// locally before the provider is asked; broadcast takes effect only after the
// provider acknowledges. A coach that has not joined yet gets the mode on join.
func (c *Controller) ToggleCoachMode(ctx context.Context, name, mode string) error {
	m, err := ParseMode(mode)
	if err != nil {
		return err
	}
	conf := c.byName(name)
	if conf == nil {
		return ErrConferenceNotFound
	}

	conf.toggleMu.Lock()
	defer conf.toggleMu.Unlock()

	conf.mu.Lock()
	if conf.status == StatusCompleted || conf.status == StatusFailed {
		conf.mu.Unlock()
		return ErrConferenceEnded
	}
	prev := conf.mode
	if m.restricts() {
		conf.mode = m
	}
	coach := *conf.legs[RoleCoach]
	repCallSID := conf.legs[RoleRep].CallSID
	sid := conf.sid
	conf.mu.Unlock()

	if coach.joined() && sid != "" {
		if err := c.provider.UpdateParticipant(ctx, sid, coach.CallSID, updateFor(m, repCallSID)); err != nil {
			conf.logger.Error().Err(err).Str("mode", string(m)).Msg("Failed to update coach leg")
			return fmt.Errorf("failed to set coach mode %s: %w", m, err)
		}
	}

	conf.mu.Lock()
	conf.mode = m
	if leg := conf.legs[RoleCoach]; leg.joined() {
		if err := leg.transition(modeState(m), c.now()); err != nil {
			conf.logger.Warn().Err(err).Msg("Coach leg transition rejected")
		}
	}
	conf.updatedAt = c.now()
	conf.mu.Unlock()

	observability.RecordCoachMode(string(m))
	conf.logger.Info().Str("from", string(prev)).Str("to", string(m)).Msg("Coach mode changed")
	c.persist(conf)
	return nil
}

// EndConference completes the conference at the provider and releases local
// state. Provider failures are logged; the conference is released regardless.
func (c *Controller) EndConference(ctx context.Context, id string) error {
	conf := c.byID(id)
	if conf == nil {
		return ErrConferenceNotFound
	}

	conf.mu.RLock()
	sid := conf.sid
	var calls []string
	for _, role := range []Role{RoleRep, RoleCustomer, RoleCoach} {
		if leg := conf.legs[role]; leg.CallSID != "" && leg.State != LegEnded {
			calls = append(calls, leg.CallSID)
		}
	}
	conf.mu.RUnlock()

	if sid != "" {
		if err := c.provider.CompleteConference(ctx, sid); err != nil {
			conf.logger.Error().Err(err).Msg("Failed to complete conference at provider")
		}
	} else {
		for _, call := range calls {
			if err := c.provider.HangUp(ctx, call); err != nil {
				conf.logger.Warn().Err(err).Str("call_sid", call).Msg("Failed to hang up leg")
			}
		}
	}
	c.release(conf, StatusCompleted)
	return nil
}

// release marks a conference finished, ends its analysis and drops it from
// the indexes.
func (c *Controller) release(conf *Conference, status Status) {
	now := c.now()
	conf.mu.Lock()
	conf.status = status
	for _, leg := range conf.legs {
		if leg.State != LegEnded {
			leg.State = LegEnded
			leg.UpdatedAt = now
		}
	}
	conf.updatedAt = now
	conf.mu.Unlock()

	c.mu.Lock()
	delete(c.conferences, conf.id)
	delete(c.names, conf.name)
	delete(c.codes, conf.accessCode)
	active := len(c.conferences)
	c.mu.Unlock()
	observability.SetActiveConferences(active)

	if c.analyzer != nil && conf.analysisID != "" {
		if summary, ok := c.analyzer.EndAnalysis(conf.analysisID); ok {
			conf.logger.Info().
				Dur("duration", summary.Duration).
				Float64("talk_ratio", summary.TalkRatio).
				Float64("sentiment", summary.Sentiment).
				Int("objections", summary.Objections).
				Int("questions", summary.Questions).
				Msg("Analysis summary")
		}
	}
	c.persist(conf)
	conf.logger.Info().Str("status", string(status)).Msg("Conference released")
}

// HandleStatus applies a provider conference callback. Unknown event types
// are ignored; unknown conferences return ErrConferenceNotFound.
func (c *Controller) HandleStatus(ctx context.Context, ev StatusEvent) error {
	conf := c.byName(ev.FriendlyName)
	if conf == nil {
		return ErrConferenceNotFound
	}
	log := conf.logger.With().Str("event", ev.Event).Str("call_sid", ev.CallSID).Logger()

	if ev.Event == "conference-end" {
		c.release(conf, StatusCompleted)
		return nil
	}

	now := c.now()
	applyMode := false
	conf.mu.Lock()
	if ev.ConferenceSID != "" {
		conf.sid = ev.ConferenceSID
	}
	role, known := conf.roleOf(ev.CallSID)
	switch ev.Event {
	case "conference-start":
		conf.status = StatusActive
	case "participant-join":
		if !known {
			conf.earlyJoin[ev.CallSID] = true
			break
		}
		leg := conf.legs[role]
		if err := leg.transition(LegConnected, now); err != nil {
			log.Warn().Err(err).Msg("Join ignored")
			break
		}
		if role == RoleCoach {
			_ = leg.transition(modeState(ModeMute), now)
			applyMode = conf.mode != ModeMute
		}
	case "participant-leave":
		if known {
			_ = conf.legs[role].transition(LegEnded, now)
		}
	case "participant-mute", "participant-unmute":
		// Provider-side mutes only ever restrict; an unmute is not trusted to
		// loosen routing.
		if known && role == RoleCoach && ev.Muted && conf.mode != ModeMute {
			conf.mode = ModeMute
			_ = conf.legs[role].transition(LegMuted, now)
			log.Warn().Msg("Coach muted at provider")
		}
	case "participant-hold", "participant-unhold":
		if known {
			conf.legs[role].Held = ev.Hold
			conf.legs[role].UpdatedAt = now
		}
	default:
		conf.mu.Unlock()
		log.Debug().Msg("Ignoring conference event")
		return nil
	}
	conf.updatedAt = now
	mode := conf.mode
	conf.mu.Unlock()

	log.Info().Str("role", string(role)).Msg("Conference event")
	if applyMode {
		// The coach joins muted; apply the mode requested before it joined.
		if err := c.ToggleCoachMode(ctx, conf.name, string(mode)); err != nil {
			log.Error().Err(err).Msg("Failed to apply pending coach mode")
		}
		return nil
	}
	c.persist(conf)
	return nil
}

// persist snapshots the conference and writes it in the background. Writes
// for one conference are serialized so an older snapshot never lands last.
func (c *Controller) persist(conf *Conference) {
	if c.store == nil {
		return
	}
	conf.saveMu.Lock()
	conf.mu.RLock()
	rec := conf.record()
	conf.mu.RUnlock()
	conf.unsaved = &rec
	if conf.saving {
		conf.saveMu.Unlock()
		return
	}
	conf.saving = true
	conf.saveMu.Unlock()

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		for {
			conf.saveMu.Lock()
			next := conf.unsaved
			conf.unsaved = nil
			if next == nil {
				conf.saving = false
				conf.saveMu.Unlock()
				return
			}
			conf.saveMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
			err := c.store.SaveConference(ctx, *next)
			cancel()
			if err != nil {
				observability.RecordError("persist_failed", "conference")
				conf.logger.Warn().Err(err).Msg("Failed to persist conference")
			}
		}
	}()
}

// Flush waits for pending record writes.
func (c *Controller) Flush() {
	c.pending.Wait()
}
