package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speechstream/internal/observability"
	"github.com/lexiqai/speechstream/wire"
)

// TurnState tracks the service-driven recognition turn lifecycle
type TurnState int

const (
	// TurnIdle means no turn is in progress
	TurnIdle TurnState = iota
	// TurnStarting means the service opened a turn but speech has not started
	TurnStarting
	// TurnSpeechDetected means speech onset was reported
	TurnSpeechDetected
	// TurnHypothesizing means at least one partial hypothesis arrived
	TurnHypothesizing
	// TurnFinalizing means the finalized phrase arrived or speech ended
	TurnFinalizing
)

// String returns a human-readable state name
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnStarting:
		return "turn_starting"
	case TurnSpeechDetected:
		return "speech_detected"
	case TurnHypothesizing:
		return "hypothesizing"
	case TurnFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// RecognitionStatus values reported in finalized phrase bodies
const (
	statusSuccess               = "Success"
	statusInitialSilenceTimeout = "InitialSilenceTimeout"
)

type hypothesisBody struct {
	Text     string `json:"Text"`
	Offset   int64  `json:"Offset"`
	Duration int64  `json:"Duration"`
}

type phraseBody struct {
	RecognitionStatus string  `json:"RecognitionStatus"`
	DisplayText       string  `json:"DisplayText"`
	Confidence        float64 `json:"Confidence"`
	Offset            int64   `json:"Offset"`
	Duration          int64   `json:"Duration"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Lexical    string  `json:"Lexical"`
		ITN        string  `json:"ITN"`
		MaskedITN  string  `json:"MaskedITN"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
}

// TurnStateMachine consumes control frames from the service and emits
// recognition events in turn order. It tolerates out-of-order or unknown
// frames by logging and ignoring them; a malformed sequence never takes
// the session down.
type TurnStateMachine struct {
	logger zerolog.Logger
	emit   func(Event)

	mu         sync.Mutex
	state      TurnState
	turnID     string
	hypothesis string
	speechSeen bool
}

// NewTurnStateMachine creates a turn state machine that delivers events
// through emit
func NewTurnStateMachine(logger zerolog.Logger, emit func(Event)) *TurnStateMachine {
	return &TurnStateMachine{
		logger: logger.With().Str("component", "turn").Logger(),
		emit:   emit,
		state:  TurnIdle,
	}
}

// State returns the current turn state
func (sm *TurnStateMachine) State() TurnState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// InTurn reports whether a turn is in progress
func (sm *TurnStateMachine) InTurn() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state != TurnIdle
}

// Reset returns the machine to idle, discarding any in-progress turn.
// Called when the underlying connection is lost.
func (sm *TurnStateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != TurnIdle {
		sm.logger.Debug().
			Str("turn_id", sm.turnID).
			Str("state", sm.state.String()).
			Msg("Discarding in-progress turn")
	}
	sm.state = TurnIdle
	sm.turnID = ""
	sm.hypothesis = ""
	sm.speechSeen = false
}

// HandleControl advances the machine with one service control frame
func (sm *TurnStateMachine) HandleControl(frame *wire.ControlFrame) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch frame.Path {
	case wire.PathTurnStart:
		sm.handleTurnStart(frame)
	case wire.PathSpeechStartDetected:
		sm.handleSpeechStart(frame)
	case wire.PathSpeechHypothesis:
		sm.handleHypothesis(frame)
	case wire.PathSpeechEndDetected:
		sm.handleSpeechEnd(frame)
	case wire.PathSpeechPhrase:
		sm.handlePhrase(frame)
	case wire.PathTurnEnd:
		sm.handleTurnEnd(frame)
	default:
		sm.anomaly(frame, "unrecognized path")
	}
}

func (sm *TurnStateMachine) handleTurnStart(frame *wire.ControlFrame) {
	if sm.state != TurnIdle {
		sm.anomaly(frame, "turn already in progress")
		return
	}
	sm.state = TurnStarting
	sm.turnID = frame.Headers[wire.HeaderRequestID]
	sm.hypothesis = ""
	sm.speechSeen = false
	sm.emit(Event{Kind: EventTurnStarting, TurnID: sm.turnID})
}

func (sm *TurnStateMachine) handleSpeechStart(frame *wire.ControlFrame) {
	if sm.state != TurnStarting {
		sm.anomaly(frame, "speech onset outside turn start")
		return
	}
	sm.state = TurnSpeechDetected
	sm.speechSeen = true
	sm.emit(Event{Kind: EventSpeechDetected, TurnID: sm.turnID})
}

func (sm *TurnStateMachine) handleHypothesis(frame *wire.ControlFrame) {
	if sm.state != TurnSpeechDetected && sm.state != TurnHypothesizing {
		sm.anomaly(frame, "hypothesis without detected speech")
		return
	}

	var body hypothesisBody
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		sm.anomaly(frame, "malformed hypothesis body")
		return
	}

	sm.state = TurnHypothesizing
	sm.hypothesis = body.Text
	sm.emit(Event{Kind: EventPartialHypothesis, TurnID: sm.turnID, Text: body.Text})
}

func (sm *TurnStateMachine) handleSpeechEnd(frame *wire.ControlFrame) {
	if sm.state != TurnSpeechDetected && sm.state != TurnHypothesizing {
		sm.anomaly(frame, "speech end outside active speech")
		return
	}
	// Informational only; the finalized phrase carries the result
	sm.logger.Debug().Str("turn_id", sm.turnID).Msg("Speech end detected")
}

func (sm *TurnStateMachine) handlePhrase(frame *wire.ControlFrame) {
	if sm.state == TurnIdle {
		sm.anomaly(frame, "finalized phrase without turn")
		return
	}

	var body phraseBody
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		sm.anomaly(frame, "malformed phrase body")
		return
	}

	// A silence timeout finalizes the turn without any speech having been
	// detected; there is no transcription to report
	if body.RecognitionStatus == statusInitialSilenceTimeout {
		sm.state = TurnFinalizing
		sm.logger.Debug().Str("turn_id", sm.turnID).Msg("Turn finalized as silence")
		return
	}

	if !sm.speechSeen {
		sm.anomaly(frame, "finalized phrase without detected speech")
		return
	}
	if sm.state != TurnSpeechDetected && sm.state != TurnHypothesizing {
		sm.anomaly(frame, "finalized phrase outside active speech")
		return
	}

	sm.state = TurnFinalizing

	text := body.DisplayText
	confidence := body.Confidence
	// Detailed output format nests results under NBest, best candidate first
	if text == "" && len(body.NBest) > 0 {
		text = body.NBest[0].Display
		confidence = body.NBest[0].Confidence
	}

	sm.emit(Event{
		Kind:       EventFinalPhrase,
		TurnID:     sm.turnID,
		Text:       text,
		Confidence: confidence,
	})
}

func (sm *TurnStateMachine) handleTurnEnd(frame *wire.ControlFrame) {
	if sm.state == TurnIdle {
		sm.anomaly(frame, "turn end without turn")
		return
	}
	if sm.state != TurnFinalizing {
		sm.logger.Warn().
			Str("turn_id", sm.turnID).
			Str("state", sm.state.String()).
			Msg("Turn ended without a finalized phrase")
	}

	turnID := sm.turnID
	sm.state = TurnIdle
	sm.turnID = ""
	sm.hypothesis = ""
	sm.speechSeen = false
	sm.emit(Event{Kind: EventTurnEnded, TurnID: turnID})
}

func (sm *TurnStateMachine) anomaly(frame *wire.ControlFrame, reason string) {
	observability.RecordProtocolAnomaly()
	sm.logger.Warn().
		Str("path", frame.Path).
		Str("state", sm.state.String()).
		Str("reason", reason).
		Msg("Ignoring out-of-order control frame")
}
