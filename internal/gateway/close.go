package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrFatalAuth means the server rejected identification. The session
	// stops and must not be retried with the same settings.
	ErrFatalAuth = errors.New("gateway rejected identification")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected is returned when a command needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrZombie marks a connection whose heartbeat went unacknowledged.
	ErrZombie = errors.New("heartbeat not acknowledged")

	// ErrReconnectFailed is returned when too many consecutive dials failed.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")

	// ErrHandshakeTimeout means no Hello arrived in time.
	ErrHandshakeTimeout = errors.New("no hello from gateway")
)

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	// closeReconnect is sent when the client drops a connection it wants to
	// resume. Closing with 1000 or 1001 would end the session server side.
	closeReconnect = 4900
)

// CloseReason describes why a connection ended.
type CloseReason struct {
	Code      int // Close code received, 0 when the connection ended otherwise
	Text      string
	Resumable bool // The next connection may resume
	Fatal     bool // The session must stop
	Err       error

	delay time.Duration // Minimum wait before reconnecting
}

func (r CloseReason) String() string {
	if r.Code != 0 {
		return fmt.Sprintf("close %d %q", r.Code, r.Text)
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Text
}

// ClassifyCode maps a close code to how the session must continue.
func ClassifyCode(code int) (resumable, fatal bool) {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return false, true
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false, false
	default:
		return true, false
	}
}

// reasonFromError classifies the error that ended a read.
func reasonFromError(err error) CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		resumable, fatal := ClassifyCode(ce.Code)
		return CloseReason{
			Code:      ce.Code,
			Text:      ce.Text,
			Resumable: resumable,
			Fatal:     fatal,
			Err:       err,
		}
	}
	// Network failures keep the session.
	return CloseReason{Resumable: true, Err: err}
}
