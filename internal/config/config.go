package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the coaching gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used to build media stream and status callback
	// URLs handed to the telephony provider (e.g. https://xxx.ngrok-free.dev).
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Peer-to-peer RTP listener. Empty disables the listener.
	RTPListenAddr  string `envconfig:"RTP_LISTEN_ADDR" default:""`
	RTPPayloadType uint8  `envconfig:"RTP_PAYLOAD_TYPE" default:"0"`   // 0 = PCMU
	RTPSampleRate  int    `envconfig:"RTP_SAMPLE_RATE" default:"8000"` // clock rate of L16 payloads
	RTPIdleTimeout int    `envconfig:"RTP_IDLE_TIMEOUT" default:"10"`  // seconds without packets before a peer session ends

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`

	// Reasoning service gRPC endpoint. Empty disables the reasoning stage.
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:""`
	OrchestratorMethod     string `envconfig:"ORCHESTRATOR_METHOD" default:"/coach.v1.Reasoner/Respond"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Twilio conferencing. Conferences are disabled unless all three are set.
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER" default:""`
	CoachDialIn      string `envconfig:"COACH_DIAL_IN_NUMBER" default:""`

	// Persistence and fan-out collaborators. Empty values disable them.
	DatabaseURL    string `envconfig:"DATABASE_URL" default:""`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	AMQPURL        string `envconfig:"AMQP_URL" default:""`
	AMQPExchange   string `envconfig:"AMQP_EXCHANGE" default:"coach.events"`
	PersistTimeout int    `envconfig:"PERSIST_TIMEOUT" default:"2"` // seconds per best-effort write

	// Audio processing configuration
	RecognitionSampleRate int     `envconfig:"RECOGNITION_SAMPLE_RATE" default:"16000"`
	ChunkMillis           int     `envconfig:"CHUNK_MS" default:"100"`
	VADThresholdDB        float64 `envconfig:"VAD_THRESHOLD_DB" default:"-35.0"`
	VADDebounceMillis     int     `envconfig:"VAD_DEBOUNCE_MS" default:"300"`
	VADGateSilence        bool    `envconfig:"VAD_GATE_SILENCE" default:"false"`
	FrameQueueSize        int     `envconfig:"FRAME_QUEUE_SIZE" default:"100"`
	ChunkQueueSize        int     `envconfig:"CHUNK_QUEUE_SIZE" default:"20"`
	TextQueueSize         int     `envconfig:"TEXT_QUEUE_SIZE" default:"10"`

	// Conversation analysis
	HealthCheckInterval int    `envconfig:"HEALTH_CHECK_INTERVAL" default:"10"` // seconds
	TriggerRulesFile    string `envconfig:"TRIGGER_RULES_FILE" default:""`
	// Minimum severity spoken to the rep during a conference. Empty disables spoken advice.
	WhisperMinSeverity string `envconfig:"WHISPER_MIN_SEVERITY" default:"medium"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required credentials and the audio tunables.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.RecognitionSampleRate != 8000 && c.RecognitionSampleRate != 16000 {
		return fmt.Errorf("RECOGNITION_SAMPLE_RATE must be 8000 or 16000, got %d", c.RecognitionSampleRate)
	}
	if c.ChunkMillis <= 0 {
		return fmt.Errorf("CHUNK_MS must be positive")
	}
	// Partially configured Twilio credentials are a configuration error, not a silent disable.
	set := 0
	for _, v := range []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER must be set together")
	}
	return nil
}

// ConferencingEnabled reports whether Twilio credentials are configured.
func (c *Config) ConferencingEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// HealthInterval returns the conversation health check period.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// PersistDeadline returns the timeout applied to each best-effort persistence write.
func (c *Config) PersistDeadline() time.Duration {
	return time.Duration(c.PersistTimeout) * time.Second
}
