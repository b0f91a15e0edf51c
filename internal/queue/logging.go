package queue

// Standard log field names for queue, trigger and delivery log lines.
const (
	LogFieldClientID       = "client_id"
	LogFieldConversationID = "conversation_id"
	LogFieldMessageType    = "message_type"
	LogFieldServerID       = "server_message_id"
	LogFieldComponent      = "component"
	LogFieldOperation      = "operation"
	LogFieldAttempt        = "attempt"
	LogFieldMaxAttempts    = "max_attempts"
	LogFieldCount          = "count"
	LogFieldDuration       = "duration_ms"
	LogFieldProcessed      = "processed"
	LogFieldFailed         = "failed"
	LogFieldPending        = "pending"
	LogFieldNextAttempt    = "next_attempt_at"
)

const component = "offline_queue"
