package protocol

// Stable client-visible error codes.
const (
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSpawnFailed     = "SPAWN_FAILED"
	CodeAPIError        = "API_ERROR"
	CodeAgentError      = "AGENT_ERROR"
	CodeProcessExited   = "PROCESS_EXITED"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)
