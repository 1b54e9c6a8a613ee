package models

// Config holds the application configuration
type Config struct {
	UserID        string         `json:"user_id"`
	Database      DatabaseConfig `json:"database"`
	Redis         RedisConfig    `json:"redis"`
	Kafka         KafkaConfig    `json:"kafka"`
	Server        ServerConfig   `json:"server"`
	Typing        TypingConfig   `json:"typing"`
	Retry         RetryConfig    `json:"retry"`
	Tracing       TracingConfig  `json:"tracing"`
	LogLevel      string         `json:"log_level"`
	RetentionDays int            `json:"retentionDays"`
}

// DatabaseConfig holds message store configurations
type DatabaseConfig struct {
	Path     string `json:"path"`
	PageSize int    `json:"pageSize"`
}

// RedisConfig holds presence channel configurations
type RedisConfig struct {
	Addr           string `json:"addr"`
	Password       string `json:"password,omitempty"`
	DB             int    `json:"db"`
	PresenceTTLSec int    `json:"presenceTTLSec"`
}

// KafkaConfig holds notification sink configurations. An empty broker
// list disables the sink.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// ServerConfig holds the local API server configurations
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// TypingConfig holds typing coordination timing
type TypingConfig struct {
	DebounceMs  int `json:"debounceMs"`
	StalenessMs int `json:"stalenessMs"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry exporter configurations
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	UseStdout    bool    `json:"use_stdout"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	Environment  string  `json:"environment"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
