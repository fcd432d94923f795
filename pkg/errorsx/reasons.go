package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Recognizer lifecycle.
	ReasonPermissionDenied      ReasonCode = "permission_denied"
	ReasonAborted               ReasonCode = "aborted"
	ReasonTransientProvider     ReasonCode = "transient_provider"
	ReasonStartFailure          ReasonCode = "start_failure"
	ReasonUnexpectedTermination ReasonCode = "unexpected_termination"
	ReasonUnavailable           ReasonCode = "unavailable"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonAudio      ReasonCode = "audio_capture"

	ReasonConfig ReasonCode = "config"

	ReasonTransportSend     ReasonCode = "transport_send"
	ReasonBusConnect        ReasonCode = "bus_connect"
	ReasonBusPublish        ReasonCode = "bus_publish"
	ReasonNotifySend        ReasonCode = "notify_send"
	ReasonNotifyRateLimit   ReasonCode = "notify_rate_limit"
	ReasonNotifyCircuitOpen ReasonCode = "notify_circuit_open"
)

// Provider error codes as reported by speech recognizers.
const (
	CodeNotAllowed = "not-allowed"
	CodeAborted    = "aborted"
	CodeNetwork    = "network"
	CodeNoSpeech   = "no-speech"
)

// ClassifyProviderError maps a recognizer error code onto the restart taxonomy.
// "not-allowed" needs user action, "aborted" is an intentional stop, everything else is transient.
func ClassifyProviderError(code string) ReasonCode {
	switch code {
	case CodeNotAllowed:
		return ReasonPermissionDenied
	case CodeAborted:
		return ReasonAborted
	default:
		return ReasonTransientProvider
	}
}

// Retryable reports whether a reason permits one automatic restart.
func Retryable(reason ReasonCode) bool {
	switch reason {
	case ReasonTransientProvider, ReasonUnexpectedTermination:
		return true
	default:
		return false
	}
}
