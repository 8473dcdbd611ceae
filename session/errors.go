package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by operations on a session that has already
// finished
var ErrSessionClosed = errors.New("session is closed")

// ErrAudioEnded is returned by PushAudio after EndAudio has been called
var ErrAudioEnded = errors.New("audio input has ended")

// ConnectError reports a failure to establish or re-establish the stream
// connection. It is fatal: the session cannot continue without a connection.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect error: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
