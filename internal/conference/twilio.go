package conference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/resilience"
)

// ParticipantUpdate is the coach leg's requested routing at the provider.
type ParticipantUpdate struct {
	Muted          bool
	Coaching       bool
	CallSidToCoach string
}

func updateFor(mode Mode, repCallSID string) ParticipantUpdate {
	switch mode {
	case ModeBroadcast:
		return ParticipantUpdate{Muted: false, Coaching: false}
	case ModeWhisper:
		return ParticipantUpdate{Muted: false, Coaching: true, CallSidToCoach: repCallSID}
	default:
		return ParticipantUpdate{Muted: true, Coaching: true, CallSidToCoach: repCallSID}
	}
}

// Provider is the telephony conferencing service.
type Provider interface {
	// CreateLeg places an outbound call that runs twiml and returns its call id.
	CreateLeg(ctx context.Context, to, twiml string) (string, error)
	UpdateParticipant(ctx context.Context, conferenceSID, callSID string, u ParticipantUpdate) error
	// Announce plays the TwiML served at url to a single participant.
	Announce(ctx context.Context, conferenceSID, callSID, url string) error
	CompleteConference(ctx context.Context, conferenceSID string) error
	HangUp(ctx context.Context, callSID string) error
}

// TwilioClient implements Provider over the Twilio REST API. Updates and
// completions are idempotent and retried; call creation and announcements are
// not.
type TwilioClient struct {
	api    *twilioApi.ApiService
	from   string
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewTwilioClient creates a REST client from the Twilio settings in cfg.
func NewTwilioClient(cfg *config.Config, logger zerolog.Logger) *TwilioClient {
	return newTwilioClient(cfg, &http.Client{Timeout: 10 * time.Second}, logger)
}

func newTwilioClient(cfg *config.Config, hc *http.Client, logger zerolog.Logger) *TwilioClient {
	c := &client.Client{
		Credentials: client.NewCredentials(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		HTTPClient:  hc,
	}
	c.SetAccountSid(cfg.TwilioAccountSID)
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.TwilioAccountSID,
		Password:   cfg.TwilioAuthToken,
		AccountSid: cfg.TwilioAccountSID,
		Client:     c,
	})
	return &TwilioClient{
		api:  rest.Api,
		from: cfg.TwilioFromNumber,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "twilio").Logger(),
	}
}

// CreateLeg places a call with inline TwiML.
func (t *TwilioClient) CreateLeg(_ context.Context, to, twiml string) (string, error) {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetTwiml(twiml)

	call, err := t.api.CreateCall(params)
	if err != nil {
		observability.RecordError("create_call_failed", "twilio")
		return "", fmt.Errorf("failed to call %s: %w", to, classify(err))
	}
	if call.Sid == nil || *call.Sid == "" {
		return "", errors.New("call creation response carried no sid")
	}
	status := ""
	if call.Status != nil {
		status = *call.Status
	}
	t.logger.Info().Str("call_sid", *call.Sid).Str("status", status).Msg("Call placed")
	return *call.Sid, nil
}

// UpdateParticipant sets a participant's mute and coaching flags.
func (t *TwilioClient) UpdateParticipant(ctx context.Context, conferenceSID, callSID string, u ParticipantUpdate) error {
	params := &twilioApi.UpdateParticipantParams{}
	params.SetMuted(u.Muted)
	params.SetCoaching(u.Coaching)
	if u.Coaching && u.CallSidToCoach != "" {
		params.SetCallSidToCoach(u.CallSidToCoach)
	}
	return t.retried(ctx, "update_participant_failed", func() error {
		_, err := t.api.UpdateParticipant(conferenceSID, callSID, params)
		return err
	})
}

// Announce asks the provider to fetch url and play it to one participant.
func (t *TwilioClient) Announce(_ context.Context, conferenceSID, callSID, url string) error {
	params := &twilioApi.UpdateParticipantParams{}
	params.SetAnnounceUrl(url)
	params.SetAnnounceMethod(http.MethodPost)
	if _, err := t.api.UpdateParticipant(conferenceSID, callSID, params); err != nil {
		observability.RecordError("announce_failed", "twilio")
		return fmt.Errorf("failed to announce to %s: %w", callSID, classify(err))
	}
	return nil
}

// CompleteConference ends the conference for every participant.
func (t *TwilioClient) CompleteConference(ctx context.Context, conferenceSID string) error {
	params := &twilioApi.UpdateConferenceParams{}
	params.SetStatus("completed")
	return t.retried(ctx, "complete_conference_failed", func() error {
		_, err := t.api.UpdateConference(conferenceSID, params)
		return err
	})
}

// HangUp completes a single call.
func (t *TwilioClient) HangUp(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	return t.retried(ctx, "hangup_failed", func() error {
		_, err := t.api.UpdateCall(callSID, params)
		return err
	})
}

func (t *TwilioClient) retried(ctx context.Context, errType string, call func() error) error {
	err := resilience.Retry(ctx, func() error {
		return classify(call())
	}, t.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordError(errType, "twilio")
		return fmt.Errorf("twilio %s: %w", errType, err)
	}
	return nil
}

// classify marks throttling, server errors and transport failures retryable;
// any other API error is a rejection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *client.TwilioRestError
	if !errors.As(err, &apiErr) {
		return resilience.NewRetryableError(err)
	}
	wrapped := fmt.Errorf("status %d code %d: %s", apiErr.Status, apiErr.Code, apiErr.Message)
	if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
		return resilience.NewRetryableError(wrapped)
	}
	return errors.Join(ErrProviderRejected, wrapped)
}
