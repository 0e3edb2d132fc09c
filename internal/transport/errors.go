package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrProtocol     = errors.New("protocol error")
)

// ConnectError is reported when the link cannot be established or the
// broker ends the session with an ERROR frame.
type ConnectError struct {
	Message string
	Detail  string
	Err     error
}

func (e *ConnectError) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}

	return msg
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
