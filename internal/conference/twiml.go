package conference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

const statusEvents = "start end join leave mute hold"

func render(verbs ...twiml.Element) (string, error) {
	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("failed to render TwiML: %w", err)
	}
	return out, nil
}

// twimlBuilder renders per-role call instructions. publicURL is the service's
// externally reachable base; without it no media stream or callbacks are set.
type twimlBuilder struct {
	publicURL string
}

func (b twimlBuilder) callbackURL() string {
	if b.publicURL == "" {
		return ""
	}
	return strings.TrimRight(b.publicURL, "/") + "/callbacks/conference"
}

func (b twimlBuilder) streamURL() string {
	base := strings.TrimRight(b.publicURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/streams/twilio"
}

func (b twimlBuilder) conference(name string) *twiml.VoiceConference {
	conf := &twiml.VoiceConference{
		Name:                   name,
		Beep:                   "false",
		StartConferenceOnEnter: "true",
		EndConferenceOnExit:    "false",
	}
	if cb := b.callbackURL(); cb != "" {
		conf.StatusCallback = cb
		conf.StatusCallbackEvent = statusEvents
		conf.StatusCallbackMethod = "POST"
	}
	return conf
}

func dial(conf *twiml.VoiceConference) *twiml.VoiceDial {
	return &twiml.VoiceDial{InnerElements: []twiml.Element{conf}}
}

// participant joins the rep or customer leg to the conference, forking its
// inbound audio to the media stream endpoint tagged with the speaker role.
func (b twimlBuilder) participant(c *Conference, role Role) (string, error) {
	conf := b.conference(c.name)
	conf.EndConferenceOnExit = strconv.FormatBool(role == RoleRep)

	var verbs []twiml.Element
	if b.publicURL != "" {
		verbs = append(verbs, &twiml.VoiceStart{InnerElements: []twiml.Element{
			&twiml.VoiceStream{
				Url:   b.streamURL(),
				Track: "inbound_track",
				InnerElements: []twiml.Element{
					&twiml.VoiceParameter{Name: "conference_id", Value: c.id},
					&twiml.VoiceParameter{Name: "analysis_id", Value: c.analysisID},
					&twiml.VoiceParameter{Name: "speaker", Value: string(role)},
				},
			},
		}})
	}
	verbs = append(verbs, dial(conf))
	return render(verbs...)
}

// coach joins muted and without starting the conference. The coach attribute
// targets the rep so a later whisper only needs an unmute.
func (b twimlBuilder) coach(c *Conference, repCallSID string) (string, error) {
	conf := b.conference(c.name)
	conf.Muted = "true"
	conf.StartConferenceOnEnter = "false"
	conf.Coach = repCallSID
	return render(dial(conf))
}

// accessPrompt asks the coach for the conference access code.
func (b twimlBuilder) accessPrompt(action string) (string, error) {
	return render(&twiml.VoiceGather{
		NumDigits: strconv.Itoa(accessCodeDigits),
		Action:    action,
		Method:    "POST",
		InnerElements: []twiml.Element{
			&twiml.VoiceSay{Message: "Enter your coaching access code."},
		},
	})
}

func (b twimlBuilder) reject(message string) (string, error) {
	return render(&twiml.VoiceSay{Message: message}, &twiml.VoiceHangup{})
}
