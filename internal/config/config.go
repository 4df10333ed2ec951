package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"./media"`
	TempDir  string `env:"TEMP_DIR"`
	InboxDir string `env:"INBOX_DIR"`

	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout   time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout  time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout   time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins   string        `env:"CORS_ORIGINS"`
	MaxUploadMB   int64         `env:"MAX_UPLOAD_MB" envDefault:"200"`
	UploadRPS     float64       `env:"UPLOAD_RATE_LIMIT" envDefault:"2"`
	UploadBurst   int           `env:"UPLOAD_RATE_BURST" envDefault:"10"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	EventRingSize int           `env:"EVENT_RING_SIZE" envDefault:"500"`

	// Presence of the AssemblyAI credential selects the cloud backend.
	AssemblyAIKey       string        `env:"ASSEMBLY_AI_API_KEY"`
	CloudAPIURL         string        `env:"CLOUD_API_URL" envDefault:"https://api.assemblyai.com/v2"`
	CloudRequestTimeout time.Duration `env:"CLOUD_REQUEST_TIMEOUT" envDefault:"60s"`
	CloudUploadTimeout  time.Duration `env:"CLOUD_UPLOAD_TIMEOUT" envDefault:"30m"`
	PollInterval        time.Duration `env:"CLOUD_POLL_INTERVAL" envDefault:"3s"`
	PollMaxInterval     time.Duration `env:"CLOUD_POLL_MAX_INTERVAL" envDefault:"30s"`
	PollTimeout         time.Duration `env:"CLOUD_POLL_TIMEOUT" envDefault:"30m"`
	PollMaxAttempts     uint          `env:"CLOUD_POLL_MAX_ATTEMPTS" envDefault:"0"`

	LocalSTTURL      string        `env:"LOCAL_STT_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	LocalSTTModel    string        `env:"LOCAL_STT_MODEL"`
	LocalSTTLanguage string        `env:"LOCAL_STT_LANGUAGE" envDefault:"en"`
	LocalSTTTimeout  time.Duration `env:"LOCAL_STT_TIMEOUT" envDefault:"5m"`
	FFmpegPath       string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	TranscribeWorkers   int           `env:"TRANSCRIBE_WORKERS" envDefault:"2"`
	TranscribeQueueSize int           `env:"TRANSCRIBE_QUEUE_SIZE" envDefault:"100"`
	JobTimeout          time.Duration `env:"TRANSCRIBE_JOB_TIMEOUT" envDefault:"45m"`
	ShutdownGrace       time.Duration `env:"TRANSCRIBE_SHUTDOWN_GRACE" envDefault:"30s"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"audioscribe"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"audioscribe"`

	S3 S3Config `envPrefix:"S3_"`
}

// S3Config configures the optional S3-compatible audio store.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// CloudAPIKey returns the AssemblyAI key without surrounding whitespace. An
// empty result selects the local backend.
func (c *Config) CloudAPIKey() string {
	return strings.TrimSpace(c.AssemblyAIKey)
}

// CORSOriginList splits CORS_ORIGINS on commas. Empty means allow all.
func (c *Config) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	InboxDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate runs after overrides so a flag can supply a value the
// environment lacks.
func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.TranscribeWorkers < 1 {
		errs = append(errs, fmt.Errorf("TRANSCRIBE_WORKERS must be at least 1, got %d", c.TranscribeWorkers))
	}
	if c.TranscribeQueueSize < 1 {
		errs = append(errs, fmt.Errorf("TRANSCRIBE_QUEUE_SIZE must be at least 1, got %d", c.TranscribeQueueSize))
	}
	if c.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_MB must be at least 1, got %d", c.MaxUploadMB))
	}
	if c.EventRingSize < 1 {
		errs = append(errs, fmt.Errorf("EVENT_RING_SIZE must be at least 1, got %d", c.EventRingSize))
	}
	return errors.Join(errs...)
}
