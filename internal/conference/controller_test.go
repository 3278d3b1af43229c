package conference

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lexiqai/coach-gateway/internal/analysis"
)

type legCall struct {
	to, twiml string
}

type participantCall struct {
	conferenceSID, callSID string
	update                 ParticipantUpdate
}

type announceCall struct {
	conferenceSID, callSID, url string
}

type fakeProvider struct {
	mu         sync.Mutex
	created    []legCall
	updates    []participantCall
	announced  []announceCall
	completed  []string
	hungUp     []string
	failCreate map[string]error
	failUpdate error
}

func (p *fakeProvider) CreateLeg(_ context.Context, to, twiml string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failCreate[to]; err != nil {
		return "", err
	}
	p.created = append(p.created, legCall{to: to, twiml: twiml})
	return fmt.Sprintf("CA%d", len(p.created)), nil
}

func (p *fakeProvider) UpdateParticipant(_ context.Context, conferenceSID, callSID string, u ParticipantUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate != nil {
		return p.failUpdate
	}
	p.updates = append(p.updates, participantCall{conferenceSID, callSID, u})
	return nil
}

func (p *fakeProvider) Announce(_ context.Context, conferenceSID, callSID, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced = append(p.announced, announceCall{conferenceSID, callSID, url})
	return nil
}

func (p *fakeProvider) takeAnnounced() []announceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.announced
	p.announced = nil
	return out
}

func (p *fakeProvider) CompleteConference(_ context.Context, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, sid)
	return nil
}

func (p *fakeProvider) HangUp(_ context.Context, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hungUp = append(p.hungUp, sid)
	return nil
}

func (p *fakeProvider) setFailUpdate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUpdate = err
}

func (p *fakeProvider) lastUpdate() (participantCall, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return participantCall{}, 0
	}
	return p.updates[len(p.updates)-1], len(p.updates)
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (a *fakeAnalyzer) StartAnalysis(conferenceID, _, _ string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, conferenceID)
	return "an-" + conferenceID[:4]
}

func (a *fakeAnalyzer) EndAnalysis(id string) (analysis.Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended = append(a.ended, id)
	return analysis.Summary{SessionID: id, TalkRatio: 0.5}, true
}

type memStore struct {
	mu      sync.Mutex
	records []Record
}

func (s *memStore) SaveConference(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) last() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

// blockingStore holds every write until release is closed.
type blockingStore struct {
	memStore
	release chan struct{}
}

func (s *blockingStore) SaveConference(ctx context.Context, r Record) error {
	<-s.release
	return s.memStore.SaveConference(ctx, r)
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlConference struct {
	Name                   string `xml:",chardata"`
	Muted                  string `xml:"muted,attr"`
	Coach                  string `xml:"coach,attr"`
	StartConferenceOnEnter string `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    string `xml:"endConferenceOnExit,attr"`
	StatusCallback         string `xml:"statusCallback,attr"`
	StatusCallbackEvent    string `xml:"statusCallbackEvent,attr"`
}

type twimlDoc struct {
	XMLName xml.Name `xml:"Response"`
	Start   *struct {
		Stream struct {
			URL    string           `xml:"url,attr"`
			Track  string           `xml:"track,attr"`
			Params []twimlParameter `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Start"`
	Dial *struct {
		Conference twimlConference `xml:"Conference"`
	} `xml:"Dial"`
	Gather *struct {
		NumDigits string `xml:"numDigits,attr"`
		Action    string `xml:"action,attr"`
		Method    string `xml:"method,attr"`
		Say       string `xml:"Say"`
	} `xml:"Gather"`
	Say    string    `xml:"Say"`
	Hangup *struct{} `xml:"Hangup"`
}

func parseTwiML(t *testing.T, doc string) twimlDoc {
	t.Helper()
	var out twimlDoc
	require.NoError(t, xml.Unmarshal([]byte(doc), &out), doc)
	return out
}

func streamParam(doc twimlDoc, name string) string {
	if doc.Start == nil {
		return ""
	}
	for _, p := range doc.Start.Stream.Params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

type fixture struct {
	ctrl     *Controller
	provider *fakeProvider
	analyzer *fakeAnalyzer
	store    *memStore
}

func newFixture() *fixture {
	f := &fixture{provider: &fakeProvider{}, analyzer: &fakeAnalyzer{}, store: &memStore{}}
	f.ctrl = NewController(f.provider, zerolog.Nop(),
		WithAnalyzer(f.analyzer),
		WithStore(f.store),
		WithPublicURL("https://coach.example.com"),
		WithDialIn("+15005550100"),
	)
	return f
}

// started creates a conference whose rep, customer and coach have all joined.
func (f *fixture) started(t *testing.T) Created {
	t.Helper()
	ctx := context.Background()
	created, err := f.ctrl.CreateCoachingConference(ctx, "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)
	name := created.FriendlyName
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "conference-start", FriendlyName: name, ConferenceSID: "CF1"}))
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: created.RepCallSID}))
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: created.CustomerCallSID}))
	_, err = f.ctrl.AttachCoach(created.AccessCode, "CA-coach", "/twiml/coach")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: "CA-coach"}))
	return created
}

func legState(t *testing.T, c *Controller, id string, role Role) LegState {
	t.Helper()
	rec, ok := c.Get(id)
	require.True(t, ok)
	for _, l := range rec.Legs {
		if l.Role == role {
			return l.State
		}
	}
	t.Fatalf("no %s leg", role)
	return ""
}

func TestCreateCoachingConference(t *testing.T) {
	f := newFixture()
	created, err := f.ctrl.CreateCoachingConference(context.Background(), "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)

	assert.Equal(t, "CA1", created.RepCallSID)
	assert.Equal(t, "CA2", created.CustomerCallSID)
	assert.Len(t, created.AccessCode, accessCodeDigits)
	assert.Equal(t, "+15005550100", created.CoachDialIn)
	assert.Equal(t, "coaching-"+created.ConferenceID[:8], created.FriendlyName)
	assert.Equal(t, []string{created.ConferenceID}, f.analyzer.started)
	assert.Equal(t, "an-"+created.ConferenceID[:4], created.AnalysisID)

	require.Len(t, f.provider.created, 2)
	assert.Equal(t, "+15551110000", f.provider.created[0].to)
	rep := parseTwiML(t, f.provider.created[0].twiml)
	require.NotNil(t, rep.Start)
	assert.Equal(t, "wss://coach.example.com/streams/twilio", rep.Start.Stream.URL)
	assert.Equal(t, "inbound_track", rep.Start.Stream.Track)
	assert.Equal(t, "rep", streamParam(rep, "speaker"))
	assert.Equal(t, created.ConferenceID, streamParam(rep, "conference_id"))
	require.NotNil(t, rep.Dial)
	assert.Equal(t, created.FriendlyName, rep.Dial.Conference.Name)
	assert.Equal(t, "true", rep.Dial.Conference.EndConferenceOnExit)
	assert.Equal(t, "https://coach.example.com/callbacks/conference", rep.Dial.Conference.StatusCallback)
	assert.Equal(t, statusEvents, rep.Dial.Conference.StatusCallbackEvent)

	customer := parseTwiML(t, f.provider.created[1].twiml)
	assert.Equal(t, "customer", streamParam(customer, "speaker"))
	require.NotNil(t, customer.Dial)
	assert.Equal(t, "false", customer.Dial.Conference.EndConferenceOnExit)

	f.ctrl.Flush()
	assert.Equal(t, StatusInitializing, f.store.last().Status)
	assert.Equal(t, LegConnecting, legState(t, f.ctrl, created.ConferenceID, RoleRep))
	assert.Equal(t, LegPending, legState(t, f.ctrl, created.ConferenceID, RoleCoach))
	assert.Equal(t, 1, f.ctrl.Active())
}

func TestCreateCoachingConference_LegFailure(t *testing.T) {
	f := newFixture()
	f.provider.failCreate = map[string]error{"+15552220000": errors.New("unreachable")}

	_, err := f.ctrl.CreateCoachingConference(context.Background(), "+15551110000", "+15552220000", "coach-1")
	require.Error(t, err)
	assert.Equal(t, []string{"CA1"}, f.provider.hungUp)
	assert.Equal(t, 0, f.ctrl.Active())
	assert.Len(t, f.analyzer.ended, 1)
	f.ctrl.Flush()
	assert.Equal(t, StatusFailed, f.store.last().Status)
}

func TestCreateCoachingConference_MissingPhone(t *testing.T) {
	f := newFixture()
	_, err := f.ctrl.CreateCoachingConference(context.Background(), "", "+15552220000", "coach-1")
	assert.ErrorIs(t, err, ErrMissingPhone)
	assert.Empty(t, f.provider.created)
}

func TestAttachCoach(t *testing.T) {
	f := newFixture()
	created, err := f.ctrl.CreateCoachingConference(context.Background(), "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)

	prompt, err := f.ctrl.AttachCoach("", "CA-coach", "https://coach.example.com/twiml/coach")
	require.NoError(t, err)
	gather := parseTwiML(t, prompt).Gather
	require.NotNil(t, gather)
	assert.Equal(t, "6", gather.NumDigits)
	assert.Equal(t, "https://coach.example.com/twiml/coach", gather.Action)
	assert.Equal(t, "POST", gather.Method)
	assert.Equal(t, "Enter your coaching access code.", gather.Say)

	rejected, err := f.ctrl.AttachCoach("000000", "CA-coach", "")
	assert.ErrorIs(t, err, ErrInvalidAccessCode)
	doc := parseTwiML(t, rejected)
	assert.Equal(t, "That access code is not valid.", doc.Say)
	assert.NotNil(t, doc.Hangup)

	join, err := f.ctrl.AttachCoach(created.AccessCode, "CA-coach", "")
	require.NoError(t, err)
	coach := parseTwiML(t, join).Dial
	require.NotNil(t, coach)
	assert.Equal(t, "true", coach.Conference.Muted)
	assert.Equal(t, "CA1", coach.Conference.Coach)
	assert.Equal(t, "false", coach.Conference.StartConferenceOnEnter)
	assert.Equal(t, LegConnecting, legState(t, f.ctrl, created.ConferenceID, RoleCoach))

	_, err = f.ctrl.AttachCoach(created.AccessCode, "CA-other", "")
	assert.ErrorIs(t, err, ErrCoachAlreadyJoined)
}

func TestToggleCoachMode_PendingUntilJoin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.ctrl.CreateCoachingConference(ctx, "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)
	name := created.FriendlyName
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "conference-start", FriendlyName: name, ConferenceSID: "CF1"}))
	_, err = f.ctrl.AttachCoach(created.AccessCode, "CA-coach", "")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.ToggleCoachMode(ctx, name, "whisper"))
	_, n := f.provider.lastUpdate()
	assert.Zero(t, n, "coach has not joined yet")

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: "CA-coach"}))
	last, n := f.provider.lastUpdate()
	require.Equal(t, 1, n)
	assert.Equal(t, participantCall{"CF1", "CA-coach", ParticipantUpdate{Muted: false, Coaching: true, CallSidToCoach: "CA1"}}, last)
	assert.Equal(t, LegWhispering, legState(t, f.ctrl, created.ConferenceID, RoleCoach))
}

func TestToggleCoachMode(t *testing.T) {
	f := newFixture()
	created := f.started(t)
	ctx := context.Background()
	assert.Equal(t, LegMuted, legState(t, f.ctrl, created.ConferenceID, RoleCoach))

	require.NoError(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "broadcast"))
	last, _ := f.provider.lastUpdate()
	assert.Equal(t, ParticipantUpdate{Muted: false, Coaching: false}, last.update)
	assert.Equal(t, LegBroadcasting, legState(t, f.ctrl, created.ConferenceID, RoleCoach))
	assert.True(t, f.ctrl.Hears(created.ConferenceID, RoleCustomer, RoleCoach))

	require.NoError(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "mute"))
	last, _ = f.provider.lastUpdate()
	assert.True(t, last.update.Muted)
	assert.False(t, f.ctrl.Hears(created.ConferenceID, RoleRep, RoleCoach))
	f.ctrl.Flush()
	assert.Equal(t, ModeMute, f.store.last().Mode)
}

func TestToggleCoachMode_ProviderFailure(t *testing.T) {
	f := newFixture()
	created := f.started(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "whisper"))

	f.provider.setFailUpdate(errors.New("503"))
	require.Error(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "broadcast"))
	assert.False(t, f.ctrl.Hears(created.ConferenceID, RoleCustomer, RoleCoach), "broadcast waits for the provider")

	require.Error(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "mute"))
	assert.False(t, f.ctrl.Hears(created.ConferenceID, RoleRep, RoleCoach), "mute applies locally at once")
}

func TestToggleCoachMode_Errors(t *testing.T) {
	f := newFixture()
	created := f.started(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.ToggleCoachMode(ctx, "nope", "mute"), ErrConferenceNotFound)
	assert.ErrorIs(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "shout"), ErrInvalidMode)

	require.NoError(t, f.ctrl.EndConference(ctx, created.ConferenceID))
	assert.ErrorIs(t, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, "mute"), ErrConferenceNotFound)
}

func TestHears(t *testing.T) {
	cases := []struct {
		mode             Mode
		listener, source Role
		want             bool
	}{
		{ModeMute, RoleCustomer, RoleRep, true},
		{ModeMute, RoleRep, RoleCustomer, true},
		{ModeMute, RoleCoach, RoleCustomer, true},
		{ModeMute, RoleRep, RoleCoach, false},
		{ModeMute, RoleCustomer, RoleCoach, false},
		{ModeWhisper, RoleRep, RoleCoach, true},
		{ModeWhisper, RoleCustomer, RoleCoach, false},
		{ModeBroadcast, RoleCustomer, RoleCoach, true},
		{ModeBroadcast, RoleRep, RoleCoach, true},
		{ModeBroadcast, RoleCustomer, RoleAdvisor, false},
		{ModeBroadcast, RoleRep, RoleAdvisor, true},
		{ModeWhisper, RoleRep, RoleRep, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s<-%s", tc.mode, tc.listener, tc.source), func(t *testing.T) {
			assert.Equal(t, tc.want, hears(tc.mode, tc.listener, tc.source))
		})
	}
}

func TestWhisper_NeverReachesCustomer(t *testing.T) {
	modes := []string{"mute", "whisper", "broadcast"}
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture()
		created := f.started(t)
		ctx := context.Background()

		steps := rapid.SliceOfN(rapid.SampledFrom(modes), 1, 20).Draw(rt, "modes")
		steps = append(steps, "whisper")
		for _, mode := range steps {
			require.NoError(rt, f.ctrl.ToggleCoachMode(ctx, created.FriendlyName, mode))
			assert.Equal(rt, mode == "broadcast", f.ctrl.Hears(created.ConferenceID, RoleCustomer, RoleCoach), "customer hears coach in %s", mode)

			n, err := f.ctrl.Whisper(ctx, created.ConferenceID, "https://coach.example.com/advice/x/twiml")
			require.NoError(rt, err)
			assert.Equal(rt, 1, n)
			announced := f.provider.takeAnnounced()
			require.Len(rt, announced, 1)
			assert.Equal(rt, created.RepCallSID, announced[0].callSID)
			assert.Equal(rt, "CF1", announced[0].conferenceSID)
		}

		last, _ := f.provider.lastUpdate()
		assert.Equal(rt, ParticipantUpdate{Muted: false, Coaching: true, CallSidToCoach: created.RepCallSID}, last.update)
		assert.Equal(rt, "CA-coach", last.callSID)
	})
}

func TestWhisper(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.ctrl.Whisper(ctx, "unknown", "u")
	assert.ErrorIs(t, err, ErrConferenceNotFound)

	created, err := f.ctrl.CreateCoachingConference(ctx, "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)
	n, err := f.ctrl.Whisper(ctx, created.ConferenceID, "u")
	require.NoError(t, err)
	assert.Zero(t, n, "provider has not started the conference")
	assert.Empty(t, f.provider.takeAnnounced())

	name := created.FriendlyName
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "conference-start", FriendlyName: name, ConferenceSID: "CF1"}))
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: created.CustomerCallSID}))
	n, err = f.ctrl.Whisper(ctx, created.ConferenceID, "u")
	require.NoError(t, err)
	assert.Zero(t, n, "rep has not joined")

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: name, CallSID: created.RepCallSID}))
	n, err = f.ctrl.Whisper(ctx, created.ConferenceID, "https://coach.example.com/advice/a1/twiml")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []announceCall{{"CF1", created.RepCallSID, "https://coach.example.com/advice/a1/twiml"}}, f.provider.takeAnnounced())

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-leave", FriendlyName: name, CallSID: created.RepCallSID}))
	n, err = f.ctrl.Whisper(ctx, created.ConferenceID, "u")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEndConference_BeforeStart(t *testing.T) {
	f := newFixture()
	created, err := f.ctrl.CreateCoachingConference(context.Background(), "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.EndConference(context.Background(), created.ConferenceID))
	assert.Empty(t, f.provider.completed)
	assert.ElementsMatch(t, []string{"CA1", "CA2"}, f.provider.hungUp)
}

func TestHandleStatus(t *testing.T) {
	f := newFixture()
	created := f.started(t)
	ctx := context.Background()
	name := created.FriendlyName

	assert.ErrorIs(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: "other"}), ErrConferenceNotFound)
	assert.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-speech-start", FriendlyName: name}))

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-hold", FriendlyName: name, CallSID: created.CustomerCallSID, Hold: true}))
	rec, _ := f.ctrl.Get(created.ConferenceID)
	assert.True(t, rec.Legs[1].Held)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, "CF1", rec.SID)

	require.NoError(t, f.ctrl.ToggleCoachMode(ctx, name, "broadcast"))
	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-mute", FriendlyName: name, CallSID: "CA-coach", Muted: true}))
	assert.False(t, f.ctrl.Hears(created.ConferenceID, RoleCustomer, RoleCoach))

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "conference-end", FriendlyName: name}))
	assert.Equal(t, 0, f.ctrl.Active())
	assert.Empty(t, f.provider.completed, "provider already ended it")
}

func TestHandleStatus_JoinBeforeCallPlaced(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.ctrl.CreateCoachingConference(ctx, "+15551110000", "+15552220000", "coach-1")
	require.NoError(t, err)

	conf := f.ctrl.byID(created.ConferenceID)
	conf.mu.Lock()
	conf.legs[RoleCustomer].CallSID = ""
	conf.legs[RoleCustomer].State = LegPending
	conf.mu.Unlock()

	require.NoError(t, f.ctrl.HandleStatus(ctx, StatusEvent{Event: "participant-join", FriendlyName: created.FriendlyName, CallSID: "CA2"}))
	conf.mu.RLock()
	assert.True(t, conf.earlyJoin["CA2"])
	conf.mu.RUnlock()
}

func TestPersist_DoesNotBlockCallers(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	ctrl := NewController(&fakeProvider{}, zerolog.Nop(), WithStore(store))

	done := make(chan Created, 1)
	go func() {
		created, err := ctrl.CreateCoachingConference(context.Background(), "+15551110000", "+15552220000", "coach-1")
		assert.NoError(t, err)
		done <- created
	}()

	var created Created
	select {
	case created = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("conference creation waited on the store")
	}
	require.NoError(t, ctrl.EndConference(context.Background(), created.ConferenceID))

	close(store.release)
	ctrl.Flush()
	require.NotEmpty(t, store.records)
	assert.LessOrEqual(t, len(store.records), 2, "queued snapshots are coalesced")
	assert.Equal(t, StatusCompleted, store.last().Status)
}
