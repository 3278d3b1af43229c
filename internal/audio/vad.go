package audio

import "time"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	ThresholdDB float64       // RMS level in dBFS above which a frame counts as speech
	Debounce    time.Duration // how long a new state must persist before it is committed
	SampleRate  int           // used to derive frame duration from sample count
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		ThresholdDB: -35.0,
		Debounce:    300 * time.Millisecond,
		SampleRate:  16000,
	}
}

// VADEvent is a committed speech state transition.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech-start"
	case VADSpeechEnd:
		return "speech-end"
	default:
		return "none"
	}
}

// VADDetector classifies frames as speech or silence. Time is measured in
// audio duration, not wall clock, so results do not depend on delivery jitter.
type VADDetector struct {
	config     *VADConfig
	isSpeaking bool
	pending    time.Duration
	lastDB     float64
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	return &VADDetector{config: config, lastDB: SilenceFloorDB}
}

// ProcessFrame updates the detector with one frame and returns the transition it caused, if any.
func (v *VADDetector) ProcessFrame(samples []int16) VADEvent {
	v.lastDB = RMSdB(samples)
	frameHasSpeech := v.lastDB > v.config.ThresholdDB

	if frameHasSpeech == v.isSpeaking {
		v.pending = 0
		return VADNone
	}

	v.pending += time.Duration(len(samples)) * time.Second / time.Duration(v.config.SampleRate)
	if v.pending < v.config.Debounce {
		return VADNone
	}

	v.pending = 0
	v.isSpeaking = frameHasSpeech
	if frameHasSpeech {
		return VADSpeechStart
	}
	return VADSpeechEnd
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.pending = 0
	v.isSpeaking = false
	v.lastDB = SilenceFloorDB
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// LevelDB returns the level of the most recent frame.
func (v *VADDetector) LevelDB() float64 {
	return v.lastDB
}
