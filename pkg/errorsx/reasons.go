package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonMicUnavailable means microphone access was denied or the device
	// is missing. Fatal to the engine instance; never retried.
	ReasonMicUnavailable ReasonCode = "mic_unavailable"

	// ReasonRecognizerAuth covers token or credential failures while
	// creating a provider session. Surfaced once, no automatic restart.
	ReasonRecognizerAuth  ReasonCode = "recognizer_auth"
	ReasonRecognizerStart ReasonCode = "recognizer_start"
	ReasonRecognizerSend  ReasonCode = "recognizer_send"

	// ReasonRecognizerCanceled marks a provider-side cancellation while the
	// session was still wanted; recoverable by a bounded restart.
	ReasonRecognizerCanceled ReasonCode = "recognizer_canceled"

	// ReasonRestartExhausted is surfaced after the restart budget for one
	// question runs out; the consumer must fall back to manual entry.
	ReasonRestartExhausted ReasonCode = "restart_exhausted"

	ReasonTransportSend ReasonCode = "transport_send"
)
