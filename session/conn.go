package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speechstream/auth"
	"github.com/lexiqai/speechstream/internal/observability"
	"github.com/lexiqai/speechstream/wire"
)

// ConnState tracks the connection lifecycle of a session
type ConnState int32

const (
	// StateDisconnected means no connection exists
	StateDisconnected ConnState = iota
	// StateConnecting means credential acquisition and dialing are in progress
	StateConnecting
	// StateAuthenticated means the handshake succeeded but the stream
	// configuration has not been sent
	StateAuthenticated
	// StateStreaming means audio and recognition frames are flowing
	StateStreaming
	// StateClosing means end-of-audio was sent and the session is draining
	StateClosing
)

// String returns a human-readable state name
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// speechConfigPayload is the stream configuration announced on every new
// connection before any audio is sent
type speechConfigPayload struct {
	Context struct {
		System struct {
			Version string `json:"version"`
		} `json:"system"`
		OS struct {
			Platform string `json:"platform"`
			Name     string `json:"name"`
			Version  string `json:"version"`
		} `json:"os"`
		Device struct {
			Manufacturer string `json:"manufacturer"`
			Model        string `json:"model"`
			Version      string `json:"version"`
		} `json:"device"`
	} `json:"context"`
}

func newSpeechConfigBody() []byte {
	var payload speechConfigPayload
	payload.Context.System.Version = "1.0.0"
	payload.Context.OS.Platform = runtime.GOOS
	payload.Context.OS.Name = runtime.GOOS
	payload.Context.OS.Version = "unknown"
	payload.Context.Device.Manufacturer = "speechstream"
	payload.Context.Device.Model = "go-client"
	payload.Context.Device.Version = "1.0.0"

	body, _ := json.Marshal(payload)
	return body
}

// link is one live websocket connection within a session. A session may go
// through several links when it reconnects after a mid-stream drop; each
// link carries a fresh connection identifier, stream identifier and sequence
// numbering.
type link struct {
	conn         *websocket.Conn
	connectionID string
	streamID     [16]byte
	seq          uint32
	dec          *wire.Decoder

	failure  chan error    // first fatal loop error wins
	drained  chan struct{} // closed when the final turn completes after end-of-audio
	finished chan struct{} // closed by the write loop after a clean shutdown
	stop     chan struct{}

	drainedOnce sync.Once
	stopOnce    sync.Once
}

func (l *link) fail(err error) {
	select {
	case l.failure <- err:
	default:
	}
}

func (l *link) markDrained() {
	l.drainedOnce.Do(func() { close(l.drained) })
}

func (l *link) shutdown() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.conn.Close()
	})
}

// connect acquires a credential, dials the stream endpoint and announces the
// stream configuration. On success the session is in the Streaming state.
func (s *Session) connect(ctx context.Context) (*link, error) {
	s.setState(StateConnecting)

	cred, err := s.tokens.Acquire(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}

	endpoint, err := url.Parse(s.cfg.StreamEndpoint)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, &ConnectError{Err: err}
	}
	query := endpoint.Query()
	query.Set("language", s.cfg.Language)
	query.Set("format", s.cfg.Format)
	endpoint.RawQuery = query.Encode()

	connectionID := wire.NewRequestID()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	header.Set("X-ConnectionId", connectionID)

	connectTimeout := time.Duration(s.cfg.ConnectTimeoutMs) * time.Millisecond
	dialer := &websocket.Dialer{HandshakeTimeout: connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint.String(), header)
	if err != nil {
		s.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// The service rejected a token the auth endpoint considered
			// valid; do not reuse it
			s.tokens.Invalidate()
			observability.RecordError("auth", "session")
			return nil, &auth.AuthError{StatusCode: resp.StatusCode, Err: err}
		}
		observability.RecordError("connect", "session")
		return nil, &ConnectError{Err: err}
	}

	s.setState(StateAuthenticated)

	l := &link{
		conn:         conn,
		connectionID: connectionID,
		streamID:     wire.NewStreamID(),
		dec:          wire.NewDecoder(s.cfg.MaxControlFrameBytes),
		failure:      make(chan error, 2),
		drained:      make(chan struct{}),
		finished:     make(chan struct{}),
		stop:         make(chan struct{}),
	}

	configFrame := wire.NewControlFrame(wire.PathSpeechConfig, "application/json; charset=utf-8", newSpeechConfigBody())
	if err := s.writeFrame(l, configFrame); err != nil {
		conn.Close()
		s.setState(StateDisconnected)
		observability.RecordError("connect", "session")
		return nil, &ConnectError{Err: err}
	}

	s.setState(StateStreaming)
	s.logger.Info().
		Str("connection_id", connectionID).
		Str("endpoint", endpoint.Host).
		Msg("Stream connection established")
	return l, nil
}

// serve runs the read and write loops of one link until a clean shutdown,
// a connection failure, or cancellation
func (s *Session) serve(ctx context.Context, l *link) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(l)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(l)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case e := <-l.failure:
		s.setState(StateDisconnected)
		err = e
	case <-l.finished:
	}

	// Both loops must be fully stopped before a replacement link may start
	l.shutdown()
	wg.Wait()
	return err
}

// readLoop decodes inbound frames and feeds the turn state machine. Any
// wire-level error is fatal for the link.
func (s *Session) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
			default:
				l.fail(err)
			}
			return
		}

		l.dec.Feed(data)
		for {
			frame, err := l.dec.Next()
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				observability.RecordError("frame", "session")
				l.fail(err)
				return
			}

			switch fr := frame.(type) {
			case *wire.ControlFrame:
				observability.RecordFrameReceived(fr.Path)
				s.turns.HandleControl(fr)
				if fr.Path == wire.PathTurnEnd && s.State() == StateClosing && !s.turns.InTurn() {
					l.markDrained()
				}
			case *wire.AudioFrame:
				// The service never streams audio back
				observability.RecordProtocolAnomaly()
				s.logger.Warn().Uint32("seq", fr.Seq).Msg("Ignoring unexpected inbound audio frame")
			}
		}
	}
}

// writeLoop drains the outbound queue onto the link. Chunks stay queued
// until the socket write returns, so a failed link leaves everything not yet
// flushed in place for replay.
func (s *Session) writeLoop(l *link) {
	for {
		chunk, ok := s.peekOutbound()
		if !ok {
			select {
			case <-l.stop:
				return
			case <-s.audioWake:
				continue
			}
		}

		if chunk.End {
			s.finishStream(l)
			return
		}

		frame := &wire.AudioFrame{StreamID: l.streamID, Seq: l.seq, Payload: chunk.Data}
		data, err := wire.Encode(frame)
		if err != nil {
			l.fail(err)
			return
		}
		if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			select {
			case <-l.stop:
			default:
				l.fail(err)
			}
			return
		}

		l.seq++
		s.dropOutboundHead()
		observability.RecordFrameSent("audio")
		observability.RecordAudioBytes(len(chunk.Data))
	}
}

// finishStream sends the end-of-audio marker, waits for the service to
// complete the final turn, then closes the link cleanly. The marker stays
// at the head of the outbound queue until the drain completes, so a link
// that drops mid-drain resends it on the replacement link.
func (s *Session) finishStream(l *link) {
	// Closing must be visible before the marker goes out: the service's
	// turn.end can race ahead of this goroutine once the write returns
	s.setState(StateClosing)

	endFrame := wire.NewControlFrame(wire.PathAudioEnd, "application/json; charset=utf-8", nil)
	if err := s.writeFrame(l, endFrame); err != nil {
		select {
		case <-l.stop:
		default:
			l.fail(err)
		}
		return
	}
	s.logger.Debug().Msg("End of audio sent, draining final turn")

	// The final turn may not have opened yet when the marker goes out, so
	// idle alone does not mean drained; wait for a turn to complete or the
	// timeout to expire
	turnTimeout := time.Duration(s.cfg.TurnCompleteTimeoutMs) * time.Millisecond
	timer := time.NewTimer(turnTimeout)
	defer timer.Stop()

	select {
	case <-l.drained:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", turnTimeout).Msg("Final turn did not complete in time, closing anyway")
	case <-l.stop:
		// Still queued: the marker is resent if the session reconnects
		return
	}

	s.dropOutboundHead()
	deadline := time.Now().Add(time.Second)
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	close(l.finished)
}

func (s *Session) writeFrame(l *link, frame *wire.ControlFrame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	observability.RecordFrameSent("control")
	return nil
}

// peekOutbound returns the head of the outbound queue, pulling ready chunks
// from the chunker first. The head stays queued until dropOutboundHead.
func (s *Session) peekOutbound() (chunk outChunk, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outbound) == 0 {
		for {
			c, ready := s.chunker.Next()
			if !ready {
				break
			}
			s.outbound = append(s.outbound, outChunk{Data: c.Data, End: c.End})
		}
	}
	if len(s.outbound) == 0 {
		return outChunk{}, false
	}
	return s.outbound[0], true
}

func (s *Session) dropOutboundHead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbound) > 0 {
		copy(s.outbound, s.outbound[1:])
		s.outbound = s.outbound[:len(s.outbound)-1]
	}
}

// unflushedChunks reports the number of audio chunks queued for replay
func (s *Session) unflushedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.outbound {
		if !c.End {
			n++
		}
	}
	return n
}

func (s *Session) setState(state ConnState) {
	atomic.StoreInt32((*int32)(&s.state), int32(state))
}

// State returns the current connection state
func (s *Session) State() ConnState {
	return ConnState(atomic.LoadInt32((*int32)(&s.state)))
}
