package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxFrameBytes bounds the declared length of a single frame.
// A peer announcing anything larger is treated as malformed rather than
// buffered indefinitely.
const DefaultMaxFrameBytes = 1 << 20

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not
// yet contain a complete frame. Feed more bytes and call Next again.
var ErrIncomplete = errors.New("wire: incomplete frame")

// FrameError reports malformed wire data. It is fatal for the connection
// that produced it.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error: %s", e.Reason)
}

func frameErrorf(format string, args ...interface{}) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

const (
	headerSep       = "\r\n"
	headerBlockEnd  = "\r\n\r\n"
	controlPrefix   = 1 + 4           // kind + uint32 length
	audioHeaderSize = 1 + 16 + 4 + 4 // kind + stream id + seq + payload length
)

// Encode serializes a frame for transmission.
//
// Control frames: 0x01 | uint32 length | header block | body, where the
// header block is line-delimited "Key: value" pairs terminated by a blank
// line and length covers header block plus body.
//
// Audio frames: 0x02 | 16-byte stream id | uint32 seq | uint32 payload
// length | payload.
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *ControlFrame:
		return encodeControl(fr)
	case *AudioFrame:
		return encodeAudio(fr)
	default:
		return nil, frameErrorf("unknown frame type %T", f)
	}
}

func encodeControl(f *ControlFrame) ([]byte, error) {
	if f.Path == "" {
		return nil, frameErrorf("control frame missing path")
	}

	var block bytes.Buffer
	writeHeader := func(key, value string) error {
		if strings.ContainsAny(key, ":\r\n") || strings.ContainsAny(value, "\r\n") {
			return frameErrorf("invalid header %q", key)
		}
		block.WriteString(key)
		block.WriteString(": ")
		block.WriteString(value)
		block.WriteString(headerSep)
		return nil
	}

	if err := writeHeader(HeaderPath, f.Path); err != nil {
		return nil, err
	}

	// Sorted for a deterministic wire image
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == HeaderPath {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeHeader(k, f.Headers[k]); err != nil {
			return nil, err
		}
	}
	block.WriteString(headerSep)

	total := block.Len() + len(f.Body)
	out := make([]byte, 0, controlPrefix+total)
	out = append(out, kindControl)
	out = binary.BigEndian.AppendUint32(out, uint32(total))
	out = append(out, block.Bytes()...)
	out = append(out, f.Body...)
	return out, nil
}

func encodeAudio(f *AudioFrame) ([]byte, error) {
	out := make([]byte, 0, audioHeaderSize+len(f.Payload))
	out = append(out, kindAudio)
	out = append(out, f.StreamID[:]...)
	out = binary.BigEndian.AppendUint32(out, f.Seq)
	out = binary.BigEndian.AppendUint32(out, uint32(len(f.Payload)))
	out = append(out, f.Payload...)
	return out, nil
}

// Decoder reassembles frames from an append-only byte stream. It is
// resumable across partial reads: bytes fed in any fragmentation decode to
// the same frames, and undecoded trailing bytes are never discarded.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder creates a decoder. maxFrameBytes bounds the declared length of
// any single frame; pass 0 for DefaultMaxFrameBytes.
func NewDecoder(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrame: maxFrameBytes}
}

// Feed appends raw bytes received from the connection
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of undecoded bytes held by the decoder
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered bytes. Used when a connection is torn down and
// its partial frame can never complete.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next returns the next complete frame, ErrIncomplete when more bytes are
// needed, or a *FrameError when the stream is malformed
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) == 0 {
		return nil, ErrIncomplete
	}

	switch d.buf[0] {
	case kindControl:
		return d.nextControl()
	case kindAudio:
		return d.nextAudio()
	default:
		return nil, frameErrorf("unknown frame kind 0x%02x", d.buf[0])
	}
}

func (d *Decoder) nextControl() (Frame, error) {
	if len(d.buf) < controlPrefix {
		return nil, ErrIncomplete
	}
	total := int(binary.BigEndian.Uint32(d.buf[1:5]))
	if total > d.maxFrame {
		return nil, frameErrorf("control frame length %d exceeds maximum %d", total, d.maxFrame)
	}
	if len(d.buf) < controlPrefix+total {
		return nil, ErrIncomplete
	}

	region := d.buf[controlPrefix : controlPrefix+total]
	frame, err := parseControl(region)
	if err != nil {
		return nil, err
	}
	d.consume(controlPrefix + total)
	return frame, nil
}

func (d *Decoder) nextAudio() (Frame, error) {
	if len(d.buf) < audioHeaderSize {
		return nil, ErrIncomplete
	}
	payloadLen := int(binary.BigEndian.Uint32(d.buf[21:25]))
	if payloadLen > d.maxFrame {
		return nil, frameErrorf("audio frame length %d exceeds maximum %d", payloadLen, d.maxFrame)
	}
	if len(d.buf) < audioHeaderSize+payloadLen {
		return nil, ErrIncomplete
	}

	frame := &AudioFrame{
		Seq: binary.BigEndian.Uint32(d.buf[17:21]),
	}
	copy(frame.StreamID[:], d.buf[1:17])
	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		copy(frame.Payload, d.buf[audioHeaderSize:audioHeaderSize+payloadLen])
	}
	d.consume(audioHeaderSize + payloadLen)
	return frame, nil
}

func (d *Decoder) consume(n int) {
	remaining := len(d.buf) - n
	if remaining == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

func parseControl(region []byte) (*ControlFrame, error) {
	end := bytes.Index(region, []byte(headerBlockEnd))
	if end < 0 {
		return nil, frameErrorf("control frame missing header terminator")
	}

	frame := &ControlFrame{Headers: make(map[string]string)}
	for _, line := range bytes.Split(region[:end], []byte(headerSep)) {
		idx := bytes.IndexByte(line, ':')
		if idx <= 0 {
			return nil, frameErrorf("malformed header line %q", line)
		}
		key := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		if key == HeaderPath {
			frame.Path = value
			continue
		}
		frame.Headers[key] = value
	}
	if frame.Path == "" {
		return nil, frameErrorf("control frame missing Path header")
	}

	body := region[end+len(headerBlockEnd):]
	if len(body) > 0 {
		frame.Body = make([]byte, len(body))
		copy(frame.Body, body)
	}
	return frame, nil
}
