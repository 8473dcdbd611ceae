package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the speech streaming client
type Config struct {
	// Speech service credentials and endpoints
	SubscriptionKey string `envconfig:"SPEECH_SUBSCRIPTION_KEY" required:"true"`
	AuthEndpoint    string `envconfig:"SPEECH_AUTH_ENDPOINT" default:"https://api.cognitive.microsoft.com/sts/v1.0/issueToken"`
	StreamEndpoint  string `envconfig:"SPEECH_STREAM_ENDPOINT" default:"wss://speech.platform.bing.com/speech/recognition/interactive/cognitiveservices/v1"`

	// Recognition configuration
	Language string `envconfig:"SPEECH_LANGUAGE" default:"en-US"` // BCP-47 language tag
	Format   string `envconfig:"SPEECH_FORMAT" default:"simple"`  // simple or detailed phrase results

	// Audio format configuration
	SampleRate int `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"` // Samples per second
	BitDepth   int `envconfig:"AUDIO_BIT_DEPTH" default:"16"`      // Bits per sample (PCM)
	Channels   int `envconfig:"AUDIO_CHANNELS" default:"1"`        // Mono by default
	ChunkSize  int `envconfig:"AUDIO_CHUNK_SIZE" default:"8192"`   // Max outbound audio chunk in bytes

	// Connection configuration
	ConnectTimeoutMs      int `envconfig:"CONNECT_TIMEOUT_MS" default:"10000"`       // Websocket dial timeout
	TurnCompleteTimeoutMs int `envconfig:"TURN_COMPLETE_TIMEOUT_MS" default:"5000"`  // Wait for turn.end after end-of-audio
	MaxReconnectAttempts  int `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"2"`       // Mid-stream reconnect budget
	ReconnectBackoffMs    int `envconfig:"RECONNECT_BACKOFF_MS" default:"1000"`      // Initial reconnect backoff
	MaxControlFrameBytes  int `envconfig:"MAX_CONTROL_FRAME_BYTES" default:"1048576"` // Decoder guard against malformed peers

	// Token lifecycle configuration
	TokenRefreshTimeoutMs int `envconfig:"TOKEN_REFRESH_TIMEOUT_MS" default:"5000"` // Per refresh attempt
	TokenRetryAttempts    int `envconfig:"TOKEN_RETRY_ATTEMPTS" default:"3"`        // Refresh attempts before AuthError
	TokenRetryBackoffMs   int `envconfig:"TOKEN_RETRY_BACKOFF_MS" default:"500"`    // Initial refresh backoff
	TokenExpiryMarginS    int `envconfig:"TOKEN_EXPIRY_MARGIN_S" default:"300"`     // Refresh when validity drops below this

	// Event delivery configuration
	EventBufferSize int `envconfig:"EVENT_BUFFER_SIZE" default:"64"` // Dispatcher buffer before drop-oldest

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`    // Ops HTTP listener port
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if c.SubscriptionKey == "" {
		return fmt.Errorf("SPEECH_SUBSCRIPTION_KEY is required")
	}
	if c.BitDepth%8 != 0 || c.BitDepth <= 0 {
		return fmt.Errorf("AUDIO_BIT_DEPTH must be a positive multiple of 8, got %d", c.BitDepth)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("AUDIO_CHANNELS must be positive, got %d", c.Channels)
	}
	if c.ChunkSize < c.SampleAlignment() {
		return fmt.Errorf("AUDIO_CHUNK_SIZE %d is smaller than one sample frame (%d bytes)", c.ChunkSize, c.SampleAlignment())
	}
	return nil
}

// SampleAlignment returns the size in bytes of one full sample frame.
// Audio chunk boundaries never split a sample frame.
func (c *Config) SampleAlignment() int {
	return c.BitDepth / 8 * c.Channels
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
