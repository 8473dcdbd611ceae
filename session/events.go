package session

// EventKind identifies a recognition event variant
type EventKind int

const (
	// EventSessionStarted signals a successful handshake with the service
	EventSessionStarted EventKind = iota

	// EventTurnStarting signals the service opened a recognition turn
	EventTurnStarting

	// EventSpeechDetected signals speech onset within the current turn
	EventSpeechDetected

	// EventPartialHypothesis carries a provisional transcription. Later
	// hypotheses for the same turn supersede earlier ones.
	EventPartialHypothesis

	// EventFinalPhrase carries the finalized transcription with confidence
	EventFinalPhrase

	// EventTurnEnded signals the turn completed and the machine is idle
	EventTurnEnded

	// EventStreamGap signals audio may have been lost across a reconnect.
	// Non-fatal; the caller decides whether to re-supply audio.
	EventStreamGap

	// EventBackpressureDropped signals undelivered events were discarded
	// because the subscriber's intake was saturated. Diagnostic only.
	EventBackpressureDropped

	// EventSessionError signals a fatal error; the session is over
	EventSessionError
)

// String returns a human-readable event kind name
func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "session.started"
	case EventTurnStarting:
		return "turn.starting"
	case EventSpeechDetected:
		return "speech.detected"
	case EventPartialHypothesis:
		return "partial.hypothesis"
	case EventFinalPhrase:
		return "final.phrase"
	case EventTurnEnded:
		return "turn.ended"
	case EventStreamGap:
		return "stream.gap"
	case EventBackpressureDropped:
		return "backpressure.dropped"
	case EventSessionError:
		return "session.error"
	default:
		return "unknown"
	}
}

// Event is an immutable recognition event delivered to the subscriber.
// Only the fields relevant to the Kind are populated.
type Event struct {
	Kind       EventKind
	SessionID  string
	TurnID     string
	Text       string  // Hypothesis or finalized phrase text
	Confidence float64 // Final phrase confidence (0.0 to 1.0)
	Dropped    int     // Number of events discarded (backpressure only)
	Err        error   // Terminal error (session error only)
}
