// Package session implements streaming speech recognition sessions: a
// caller pushes raw audio in and receives ordered recognition events out,
// while the package manages credentials, framing, the turn lifecycle and
// mid-stream reconnects.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speechstream/audio"
	"github.com/lexiqai/speechstream/auth"
	"github.com/lexiqai/speechstream/config"
	"github.com/lexiqai/speechstream/internal/observability"
	"github.com/lexiqai/speechstream/internal/resilience"
)

// Client creates recognition sessions against one configured speech
// service. It is safe for concurrent use; sessions are independent.
type Client struct {
	cfg    *config.Config
	tokens *auth.Manager
	logger zerolog.Logger
}

// NewClient validates the configuration and creates a client
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		tokens: auth.NewManager(cfg, logger),
		logger: logger,
	}, nil
}

// outChunk is one queued outbound unit: an audio chunk or the end-of-audio
// marker. Entries leave the queue only after the socket write returns, so
// everything still queued when a connection drops is replayed.
type outChunk struct {
	Data []byte
	End  bool
}

// Session is one live recognition session. Callers push audio with
// PushAudio, signal the end of input with EndAudio, and consume recognition
// events from Events until the channel closes.
type Session struct {
	id     string
	cfg    *config.Config
	tokens *auth.Manager
	logger zerolog.Logger

	dispatcher   *Dispatcher
	turns        *TurnStateMachine
	chunker      *audio.Chunker
	reconnectCfg *resilience.ReconnectConfig

	state   ConnState
	started time.Time
	cancel  context.CancelFunc

	mu       sync.Mutex
	outbound []outChunk

	audioWake chan struct{}
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// StartSession connects to the speech service and starts a recognition
// session. The context bounds session establishment only; the session
// itself lives until EndAudio drains or Stop is called.
//
// Establishment failures are fatal and reported directly: *auth.AuthError
// when no credential could be acquired or the service rejected it,
// *ConnectError when the stream endpoint could not be reached.
func (c *Client) StartSession(ctx context.Context) (*Session, error) {
	format := audio.Format{
		SampleRate: c.cfg.SampleRate,
		BitDepth:   c.cfg.BitDepth,
		Channels:   c.cfg.Channels,
	}
	chunker, err := audio.NewChunker(format, c.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	id := observability.NewSessionID()
	logger := c.logger.With().Str("session_id", id).Logger()

	s := &Session{
		id:         id,
		cfg:        c.cfg,
		tokens:     c.tokens,
		logger:     logger,
		dispatcher: NewDispatcher(c.cfg.EventBufferSize, logger),
		chunker:    chunker,
		reconnectCfg: &resilience.ReconnectConfig{
			MaxAttempts: c.cfg.MaxReconnectAttempts,
			Backoff:     time.Duration(c.cfg.ReconnectBackoffMs) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
		audioWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.turns = NewTurnStateMachine(logger, s.publish)

	l, err := s.connect(ctx)
	if err != nil {
		s.dispatcher.Close()
		return nil, err
	}

	observability.RecordSessionStart()
	s.started = time.Now()
	s.publish(Event{Kind: EventSessionStarted})

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, l)
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Events returns the recognition event channel. It is closed once the
// session finishes, after all pending events are delivered.
func (s *Session) Events() <-chan Event {
	return s.dispatcher.Events()
}

// PushAudio appends raw audio bytes at any boundary. The session slices
// them into aligned chunks for transmission.
func (s *Session) PushAudio(p []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.chunker.Closed() {
		return ErrAudioEnded
	}
	if _, err := s.chunker.Write(p); err != nil {
		return ErrAudioEnded
	}
	s.wakeWriter()
	return nil
}

// EndAudio signals that no more audio will be pushed. Buffered audio drains
// to the service followed by the end-of-audio marker, and the session closes
// once the final turn completes or the drain timeout expires.
func (s *Session) EndAudio() {
	s.chunker.Close()
	s.wakeWriter()
}

// Done returns a channel closed when the session has fully finished
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal session error, or nil after a clean shutdown.
// Valid once Done is closed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop ends the session: audio input is closed, buffered audio drains, and
// the final turn is awaited. When the context expires first the session is
// torn down immediately.
func (s *Session) Stop(ctx context.Context) error {
	s.EndAudio()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
	}
	return s.Err()
}

// run supervises the session across connection drops until it finishes
func (s *Session) run(ctx context.Context, l *link) {
	defer func() {
		s.setState(StateDisconnected)
		observability.RecordSessionEnd(time.Since(s.started).Seconds())
		s.dispatcher.Close()
		s.cancel()
		close(s.done)
	}()

	// The reconnect budget spans the whole session; a link that keeps
	// flapping cannot draw new attempts forever
	budget := s.reconnectCfg.MaxAttempts

	for {
		err := s.serve(ctx, l)
		if err == nil {
			s.logger.Info().Msg("Session finished")
			return
		}
		if ctx.Err() != nil {
			s.logger.Info().Msg("Session stopped")
			return
		}

		s.logger.Warn().
			Err(err).
			Int("unflushed_chunks", s.unflushedChunks()).
			Int("reconnect_budget", budget).
			Msg("Connection lost mid-stream")
		s.turns.Reset()

		if budget <= 0 {
			s.terminate(&ConnectError{Err: err})
			return
		}
		s.publish(Event{Kind: EventStreamGap})

		var next *link
		var lastErr error
		attemptCfg := *s.reconnectCfg
		attemptCfg.MaxAttempts = budget
		rerr := resilience.Reconnect(ctx, s.logger, func() error {
			budget--
			observability.RecordReconnect()
			nl, cerr := s.connect(ctx)
			if cerr != nil {
				lastErr = cerr
				return cerr
			}
			next = nl
			return nil
		}, &attemptCfg)
		if rerr != nil {
			var authErr *auth.AuthError
			if errors.As(lastErr, &authErr) {
				s.terminate(lastErr)
			} else if lastErr != nil {
				s.terminate(&ConnectError{Err: lastErr})
			} else {
				s.terminate(&ConnectError{Err: rerr})
			}
			return
		}

		l = next
		s.wakeWriter()
	}
}

func (s *Session) terminate(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	observability.RecordError("fatal", "session")
	s.logger.Error().Err(err).Msg("Session failed")
	s.publish(Event{Kind: EventSessionError, Err: err})
}

func (s *Session) publish(e Event) {
	if e.SessionID == "" {
		e.SessionID = s.id
	}
	s.dispatcher.Publish(e)
}

func (s *Session) wakeWriter() {
	select {
	case s.audioWake <- struct{}{}:
	default:
	}
}
