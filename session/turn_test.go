package session

import (
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speechstream/wire"
)

type eventCollector struct {
	events []Event
}

func (c *eventCollector) emit(e Event) {
	c.events = append(c.events, e)
}

func newTestMachine() (*TurnStateMachine, *eventCollector) {
	collector := &eventCollector{}
	sm := NewTurnStateMachine(zerolog.New(io.Discard), collector.emit)
	return sm, collector
}

func serviceFrame(path, turnID string, body []byte) *wire.ControlFrame {
	return &wire.ControlFrame{
		Path: path,
		Headers: map[string]string{
			wire.HeaderRequestID:   turnID,
			wire.HeaderContentType: "application/json; charset=utf-8",
		},
		Body: body,
	}
}

func hypothesisFrame(turnID, text string) *wire.ControlFrame {
	body := fmt.Sprintf(`{"Text":%q,"Offset":100,"Duration":50}`, text)
	return serviceFrame(wire.PathSpeechHypothesis, turnID, []byte(body))
}

func phraseFrame(turnID, text string, confidence float64) *wire.ControlFrame {
	body := fmt.Sprintf(`{"RecognitionStatus":"Success","DisplayText":%q,"Confidence":%g,"Offset":100,"Duration":500}`, text, confidence)
	return serviceFrame(wire.PathSpeechPhrase, turnID, []byte(body))
}

func TestTurnLifecycle(t *testing.T) {
	sm, collector := newTestMachine()

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-1", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechStartDetected, "turn-1", nil))
	sm.HandleControl(hypothesisFrame("turn-1", "hel"))
	sm.HandleControl(hypothesisFrame("turn-1", "hello"))
	sm.HandleControl(phraseFrame("turn-1", "hello world", 0.92))
	sm.HandleControl(serviceFrame(wire.PathTurnEnd, "turn-1", nil))

	expected := []Event{
		{Kind: EventTurnStarting, TurnID: "turn-1"},
		{Kind: EventSpeechDetected, TurnID: "turn-1"},
		{Kind: EventPartialHypothesis, TurnID: "turn-1", Text: "hel"},
		{Kind: EventPartialHypothesis, TurnID: "turn-1", Text: "hello"},
		{Kind: EventFinalPhrase, TurnID: "turn-1", Text: "hello world", Confidence: 0.92},
		{Kind: EventTurnEnded, TurnID: "turn-1"},
	}

	if len(collector.events) != len(expected) {
		t.Fatalf("Expected %d events, got %d: %+v", len(expected), len(collector.events), collector.events)
	}
	for i, want := range expected {
		got := collector.events[i]
		if got.Kind != want.Kind || got.TurnID != want.TurnID || got.Text != want.Text || got.Confidence != want.Confidence {
			t.Errorf("Event %d: expected %+v, got %+v", i, want, got)
		}
	}

	if sm.InTurn() {
		t.Errorf("Expected machine to be idle after turn end, state is %s", sm.State())
	}
}

func TestTurn_NBestResult(t *testing.T) {
	sm, collector := newTestMachine()

	body := []byte(`{"RecognitionStatus":"Success","Offset":0,"Duration":400,"NBest":[` +
		`{"Confidence":0.87,"Lexical":"hello there","ITN":"hello there","MaskedITN":"hello there","Display":"Hello there."},` +
		`{"Confidence":0.41,"Lexical":"hollow there","ITN":"hollow there","MaskedITN":"hollow there","Display":"Hollow there."}]}`)

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-2", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechStartDetected, "turn-2", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechPhrase, "turn-2", body))

	last := collector.events[len(collector.events)-1]
	if last.Kind != EventFinalPhrase {
		t.Fatalf("Expected final phrase event, got %s", last.Kind)
	}
	if last.Text != "Hello there." {
		t.Errorf("Expected best candidate display text, got %q", last.Text)
	}
	if last.Confidence != 0.87 {
		t.Errorf("Expected best candidate confidence 0.87, got %g", last.Confidence)
	}
}

func TestTurn_FinalPhraseRequiresDetectedSpeech(t *testing.T) {
	sm, collector := newTestMachine()

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-3", nil))
	sm.HandleControl(phraseFrame("turn-3", "phantom", 0.5))

	for _, e := range collector.events {
		if e.Kind == EventFinalPhrase {
			t.Fatalf("Emitted final phrase without detected speech: %+v", e)
		}
	}
	if sm.State() != TurnStarting {
		t.Errorf("Expected state turn_starting after ignored phrase, got %s", sm.State())
	}
}

func TestTurn_OutOfOrderFramesIgnored(t *testing.T) {
	tests := []struct {
		name   string
		frames []*wire.ControlFrame
	}{
		{"phrase while idle", []*wire.ControlFrame{phraseFrame("t", "x", 0.5)}},
		{"hypothesis while idle", []*wire.ControlFrame{hypothesisFrame("t", "x")}},
		{"turn end while idle", []*wire.ControlFrame{serviceFrame(wire.PathTurnEnd, "t", nil)}},
		{"speech onset while idle", []*wire.ControlFrame{serviceFrame(wire.PathSpeechStartDetected, "t", nil)}},
		{"unknown path", []*wire.ControlFrame{serviceFrame("speech.bogus", "t", nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, collector := newTestMachine()
			for _, f := range tt.frames {
				sm.HandleControl(f)
			}
			if len(collector.events) != 0 {
				t.Errorf("Expected no events, got %+v", collector.events)
			}
			if sm.InTurn() {
				t.Errorf("Expected machine to remain idle, state is %s", sm.State())
			}
		})
	}
}

func TestTurn_DuplicateTurnStartIgnored(t *testing.T) {
	sm, collector := newTestMachine()

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-4", nil))
	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-5", nil))

	if len(collector.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(collector.events))
	}
	if collector.events[0].TurnID != "turn-4" {
		t.Errorf("Expected original turn id to survive, got %q", collector.events[0].TurnID)
	}
}

func TestTurn_SilenceTimeout(t *testing.T) {
	sm, collector := newTestMachine()

	body := []byte(`{"RecognitionStatus":"InitialSilenceTimeout","Offset":0,"Duration":0}`)
	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-6", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechPhrase, "turn-6", body))
	sm.HandleControl(serviceFrame(wire.PathTurnEnd, "turn-6", nil))

	expected := []EventKind{EventTurnStarting, EventTurnEnded}
	if len(collector.events) != len(expected) {
		t.Fatalf("Expected %d events, got %+v", len(expected), collector.events)
	}
	for i, kind := range expected {
		if collector.events[i].Kind != kind {
			t.Errorf("Event %d: expected %s, got %s", i, kind, collector.events[i].Kind)
		}
	}
}

func TestTurn_SpeechEndThenPhrase(t *testing.T) {
	sm, collector := newTestMachine()

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-7", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechStartDetected, "turn-7", nil))
	sm.HandleControl(hypothesisFrame("turn-7", "goodbye"))
	sm.HandleControl(serviceFrame(wire.PathSpeechEndDetected, "turn-7", nil))
	sm.HandleControl(phraseFrame("turn-7", "goodbye", 0.8))
	sm.HandleControl(serviceFrame(wire.PathTurnEnd, "turn-7", nil))

	kinds := make([]EventKind, 0, len(collector.events))
	for _, e := range collector.events {
		kinds = append(kinds, e.Kind)
	}
	expected := []EventKind{EventTurnStarting, EventSpeechDetected, EventPartialHypothesis, EventFinalPhrase, EventTurnEnded}
	if len(kinds) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, kinds)
	}
	for i := range expected {
		if kinds[i] != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, expected[i], kinds[i])
		}
	}
}

func TestTurn_ResetDiscardsTurn(t *testing.T) {
	sm, _ := newTestMachine()

	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-8", nil))
	sm.HandleControl(serviceFrame(wire.PathSpeechStartDetected, "turn-8", nil))
	sm.Reset()

	if sm.InTurn() {
		t.Error("Expected machine to be idle after reset")
	}
	// A fresh turn starts cleanly after the reset
	sm.HandleControl(serviceFrame(wire.PathTurnStart, "turn-9", nil))
	if sm.State() != TurnStarting {
		t.Errorf("Expected turn_starting after new turn, got %s", sm.State())
	}
}
