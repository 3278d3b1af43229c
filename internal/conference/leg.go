package conference

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies a conference participant. Advisor is a virtual source for
// synthesized coaching audio; it never has a call leg.
type Role string

const (
	RoleRep      Role = "rep"
	RoleCustomer Role = "customer"
	RoleCoach    Role = "coach"
	RoleAdvisor  Role = "advisor"
)

// Mode is the coach leg's audio routing.
type Mode string

const (
	ModeMute      Mode = "mute"
	ModeWhisper   Mode = "whisper"
	ModeBroadcast Mode = "broadcast"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMute, ModeWhisper, ModeBroadcast:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// restricts reports whether the mode keeps the coach away from the customer.
func (m Mode) restricts() bool { return m != ModeBroadcast }

// LegState is the lifecycle position of one call leg.
type LegState string

const (
	LegPending      LegState = "pending"
	LegConnecting   LegState = "connecting"
	LegConnected    LegState = "connected"
	LegMuted        LegState = "muted"
	LegWhispering   LegState = "whispering"
	LegBroadcasting LegState = "broadcasting"
	LegEnded        LegState = "ended"
)

// ErrInvalidTransition is returned for a leg state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid leg transition")

var legTransitions = map[LegState][]LegState{
	LegPending:      {LegConnecting, LegConnected, LegMuted, LegWhispering, LegBroadcasting, LegEnded},
	LegConnecting:   {LegConnected, LegEnded},
	LegConnected:    {LegMuted, LegWhispering, LegBroadcasting, LegEnded},
	LegMuted:        {LegWhispering, LegBroadcasting, LegEnded},
	LegWhispering:   {LegMuted, LegBroadcasting, LegEnded},
	LegBroadcasting: {LegMuted, LegWhispering, LegEnded},
}

func modeState(m Mode) LegState {
	switch m {
	case ModeWhisper:
		return LegWhispering
	case ModeBroadcast:
		return LegBroadcasting
	default:
		return LegMuted
	}
}

// Leg is one participant's call.
type Leg struct {
	Role      Role      `json:"role"`
	CallSID   string    `json:"call_sid,omitempty"`
	State     LegState  `json:"state"`
	Held      bool      `json:"held"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Leg) transition(to LegState, now time.Time) error {
	if l.State == to {
		return nil
	}
	for _, next := range legTransitions[l.State] {
		if next == to {
			l.State = to
			l.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, l.Role, l.State, to)
}

// joined reports whether the provider has the leg in the conference.
func (l *Leg) joined() bool {
	switch l.State {
	case LegConnected, LegMuted, LegWhispering, LegBroadcasting:
		return l.CallSID != ""
	default:
		return false
	}
}
