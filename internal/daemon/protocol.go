// Package daemon implements the local socket server (§4.5) and the command
// handlers (§4.6) that translate wire requests into session.Session calls.
package daemon

import (
	"errors"

	"stashd/internal/session"
	"stashd/internal/stash"
)

// ErrorTag is one of the stable wire error tags from §7.
type ErrorTag string

const (
	TagLocked        ErrorTag = "Locked"
	TagWrongPassword ErrorTag = "WrongPassword"
	TagNoStash       ErrorTag = "NoStash"
	TagCorruptStash  ErrorTag = "CorruptStash"
	TagNoSuchKey     ErrorTag = "NoSuchKey"
	TagInvalidKey    ErrorTag = "InvalidKey"
	TagBadRequest    ErrorTag = "BadRequest"
	TagInternal      ErrorTag = "Internal"
)

// Request is the wire shape of a single request, one per connection.
type Request struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

// Response is the wire shape of a single response.
type Response struct {
	OK      bool           `json:"ok"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func okResponse(data map[string]any) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{OK: true, Data: data}
}

func errResponse(tag ErrorTag, message string) Response {
	return Response{OK: false, Error: string(tag), Message: message}
}

// classify maps a handler-local error onto its wire tag and a human
// message. Sensitive material (passwords, keys, secret values) never
// appears in the message — every branch below uses a fixed string and
// err.Error() is never passed through.
func classify(err error) (ErrorTag, string) {
	switch {
	case errors.Is(err, session.ErrLocked):
		return TagLocked, "stash is locked"
	case errors.Is(err, session.ErrWrongPassword):
		return TagWrongPassword, "wrong password"
	case errors.Is(err, session.ErrNoSuchKey):
		return TagNoSuchKey, "no such key"
	case errors.Is(err, session.ErrInvalidKey):
		return TagInvalidKey, "invalid key"
	case errors.Is(err, stash.ErrNoStash):
		return TagNoStash, "no stash file"
	default:
		var corrupt *stash.CorruptError
		if errors.As(err, &corrupt) {
			return TagCorruptStash, "stash file is corrupt"
		}
		return TagInternal, "internal error"
	}
}
