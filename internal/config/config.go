package config

import (
	"encoding/json"
	"os"
	"strings"

	"coachchat/internal/constants"
	apperrors "coachchat/internal/errors"
	"coachchat/internal/models"
)

var (
	ErrMissingUserID = models.ConfigError{Message: "missing local user id"}
	ErrMissingDBPath = models.ConfigError{Message: "missing database path"}
	ErrMissingRedis  = models.ConfigError{Message: "missing redis address"}
)

// LoadConfig reads and validates the JSON configuration file, then
// applies environment overrides.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError(path, err.Error())
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, apperrors.NewConfigError(path, "invalid JSON: "+err.Error())
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Redis.Addr == "" {
		return ErrMissingRedis
	}

	if c.Database.PageSize <= 0 {
		c.Database.PageSize = constants.DefaultPageSize
	}
	if c.Database.PageSize > constants.MaxPageSize {
		c.Database.PageSize = constants.MaxPageSize
	}
	if c.Redis.PresenceTTLSec <= 0 {
		c.Redis.PresenceTTLSec = constants.DefaultPresenceTTLSec
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Typing.DebounceMs <= 0 {
		c.Typing.DebounceMs = constants.DefaultTypingDebounceMs
	}
	if c.Typing.StalenessMs <= 0 {
		c.Typing.StalenessMs = constants.DefaultTypingStalenessMs
	}
	if c.Typing.StalenessMs < c.Typing.DebounceMs {
		return models.ConfigError{Message: "typing staleness window must not be shorter than the debounce"}
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxSendAttempts
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "coachchat.notifications"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if userID := os.Getenv("COACHCHAT_USER_ID"); userID != "" {
		c.UserID = userID
	}
	if path := os.Getenv("COACHCHAT_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("COACHCHAT_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("COACHCHAT_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if brokers := os.Getenv("COACHCHAT_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if level := os.Getenv("COACHCHAT_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
