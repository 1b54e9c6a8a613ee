package constants

// Messaging core timing values
const (
	DefaultTypingDebounceMs  = 3000
	DefaultTypingStalenessMs = 6000
	MessageGroupWindowMs     = 300000
	DefaultPresenceTTLSec    = 60
	UnreadDisplayCap         = 99
	DefaultPageSize          = 50
	MaxPageSize              = 200
)

// Default retry configuration values
const (
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxSendAttempts       = 3
	DefaultDatabaseRetryAttempts = 3
)

// Default server configuration values
const (
	DefaultServerPort            = 8084
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
)

// Default maintenance configuration values
const (
	DefaultRetentionDays             = 90
	DefaultCleanupIntervalHours      = 24
	DefaultDeliveryCheckIntervalSec  = 60
	DefaultDeliveryStaleThresholdSec = 120
)

// Validation bounds
const (
	MaxMessageContentLength = 8192
	MaxMessageIDLength      = 64
	MaxSearchQueryLength    = 256
	MaxAttachmentsPerSend   = 10
)

// Encryption salts for content-at-rest protection
const (
	EncryptionSalt = "coachchat-db-salt-v1"
)

// Privacy settings for log output
const (
	DefaultUserIDMaskLength = 4
	DefaultMessageIDLogLen  = 8
)
