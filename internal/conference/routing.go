package conference

import (
	"context"
	"errors"
)

// hears is the conference audio graph: whether listener receives audio from
// source while the coach leg is in mode. The customer receives coach audio
// only in broadcast and never receives advisor audio.
func hears(mode Mode, listener, source Role) bool {
	if listener == source {
		return false
	}
	switch source {
	case RoleRep:
		return listener == RoleCustomer || listener == RoleCoach
	case RoleCustomer:
		return listener == RoleRep || listener == RoleCoach
	case RoleCoach:
		switch mode {
		case ModeBroadcast:
			return listener == RoleRep || listener == RoleCustomer
		case ModeWhisper:
			return listener == RoleRep
		default:
			return false
		}
	case RoleAdvisor:
		return listener == RoleRep
	default:
		return false
	}
}

// Hears reports whether listener currently receives audio from source in the
// conference. Unknown conferences and ended legs hear nothing.
func (c *Controller) Hears(conferenceID string, listener, source Role) bool {
	conf := c.byID(conferenceID)
	if conf == nil {
		return false
	}
	conf.mu.RLock()
	defer conf.mu.RUnlock()
	if conf.status == StatusCompleted {
		return false
	}
	if leg := conf.legs[listener]; leg != nil && leg.State == LegEnded {
		return false
	}
	return hears(conf.mode, listener, source)
}

// Whisper plays the advisor announcement served at url to every joined leg
// that hears the advisor, and returns how many legs it reached. The provider
// fetches url once per leg. A conference the provider has not started yet
// reaches nobody.
func (c *Controller) Whisper(ctx context.Context, conferenceID, url string) (int, error) {
	conf := c.byID(conferenceID)
	if conf == nil {
		return 0, ErrConferenceNotFound
	}

	conf.mu.RLock()
	if conf.status == StatusCompleted || conf.status == StatusFailed {
		conf.mu.RUnlock()
		return 0, ErrConferenceEnded
	}
	sid := conf.sid
	var targets []string
	for _, role := range []Role{RoleRep, RoleCustomer, RoleCoach} {
		if leg := conf.legs[role]; leg.joined() && hears(conf.mode, role, RoleAdvisor) {
			targets = append(targets, leg.CallSID)
		}
	}
	conf.mu.RUnlock()
	if sid == "" {
		return 0, nil
	}

	delivered := 0
	var errs []error
	for _, callSID := range targets {
		if err := c.provider.Announce(ctx, sid, callSID, url); err != nil {
			conf.logger.Warn().Err(err).Str("call_sid", callSID).Msg("Failed to announce advice")
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
