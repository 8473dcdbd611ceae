package wire

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frame kind discriminators. The first byte of every encoded frame
// identifies its variant.
const (
	kindControl byte = 0x01
	kindAudio   byte = 0x02
)

// Well-known control frame header names
const (
	HeaderPath        = "Path"
	HeaderRequestID   = "X-RequestId"
	HeaderTimestamp   = "X-Timestamp"
	HeaderContentType = "Content-Type"
)

// Control frame paths used by the recognition protocol
const (
	PathSpeechConfig        = "speech.config"
	PathAudioEnd            = "audio.end"
	PathTurnStart           = "turn.start"
	PathTurnEnd             = "turn.end"
	PathSpeechStartDetected = "speech.startDetected"
	PathSpeechEndDetected   = "speech.endDetected"
	PathSpeechHypothesis    = "speech.hypothesis"
	PathSpeechPhrase        = "speech.phrase"
)

// Frame is the unit of wire exchange. Exactly two variants exist:
// *ControlFrame (header block plus structured body) and *AudioFrame
// (binary header plus raw audio bytes).
type Frame interface {
	frameKind() byte
}

// ControlFrame carries a set of key-value header fields plus an optional
// structured body (typically JSON). The Path header identifies the message
// type and is kept as a dedicated field; Headers holds the remaining fields.
type ControlFrame struct {
	Path    string
	Headers map[string]string
	Body    []byte
}

func (f *ControlFrame) frameKind() byte { return kindControl }

// AudioFrame carries one chunk of raw audio bytes for a stream.
// StreamID identifies the audio stream within the session and Seq is a
// monotonically increasing sequence number assigned by the sender.
type AudioFrame struct {
	StreamID [16]byte
	Seq      uint32
	Payload  []byte
}

func (f *AudioFrame) frameKind() byte { return kindAudio }

// NewControlFrame builds an outbound control frame with the standard
// request headers the service expects on every message
func NewControlFrame(path, contentType string, body []byte) *ControlFrame {
	return &ControlFrame{
		Path: path,
		Headers: map[string]string{
			HeaderRequestID:   NewRequestID(),
			HeaderTimestamp:   time.Now().Format(time.RFC3339),
			HeaderContentType: contentType,
		},
		Body: body,
	}
}

// NewStreamID generates a fresh audio stream identifier
func NewStreamID() [16]byte {
	return uuid.New()
}

// NewRequestID generates a request identifier in the hyphen-less form the
// service expects in X-RequestId headers
func NewRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
