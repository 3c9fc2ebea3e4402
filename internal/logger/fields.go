package logger

// Standard field keys for structured logging.
const (
	KeyRequestID = "request_id"
	KeyClass     = "class"
	KeyVersion   = "version"
	KeyURL       = "url"
	KeyMethod    = "method"
	KeyStore     = "store"
	KeyState     = "state"
	KeyStatus    = "status"
	KeyOutcome   = "outcome"
	KeyDuration  = "duration_ms"
	KeyAttempt   = "attempt"
	KeyCount     = "count"
	KeyError     = "error"
)

// Err formats an error for use as a field value; nil yields an empty string.
func Err(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
