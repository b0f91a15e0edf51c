package constants

// Queue defaults
const (
	DefaultMaxAttempts       = 3
	DefaultSyncIntervalSec   = 30
	DefaultBackoffMultiplier = 2.0
	DefaultRetryBackoffMaxMs = 300000
	QueueSnapshotKey         = "offline_message_queue"
	DeadLetterSnapshotKey    = "offline_message_failed"
	DefaultStorageKeyPrefix  = "bizmsg:"
	MaxMessageContentRunes   = 10000
	MaxConversationIDLength  = 128
	MaxClientIDLength        = 128
	MaxMediaURLLength        = 2048
	ClientIDPrefix           = "local_"
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 15
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 200
	DefaultMaxBackoffMs          = 2000
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultServerPort            = 8085
	DefaultProbeIntervalSec      = 10
	DefaultProbeDialTimeoutSec   = 5
	DefaultProbeMaxBackoffSec    = 60
	DefaultConfigWatchSec        = 5
)

// Circuit breaker defaults
const (
	DefaultCircuitMaxFailures     = 5
	DefaultCircuitResetTimeoutSec = 30
	DefaultCircuitHalfOpenCalls   = 1
)

// Privacy settings
const (
	DefaultContentPreviewLength = 4
	DefaultMessageIDLength      = 8
)
