// Package errs defines the failure taxonomy of a room session.
//
// Retryable errors are retried by the connection manager within its attempt budget,
// all the others are surfaced right away.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNetworkUnavailable        = errors.New("network unavailable")
	ErrTokenTimeout              = errors.New("token request timed out")
	ErrTokenRejected             = errors.New("token rejected")
	ErrPermissionDenied          = errors.New("media permission denied")
	ErrAlreadyJoinedElsewhere    = errors.New("already joined in another tab")
	ErrTransportJoinFailed       = errors.New("transport join failed")
	ErrTransportConnectionFailed = errors.New("transport connection failed")
	ErrTrackCreationFailed       = errors.New("track creation failed")
	ErrSessionExpired            = errors.New("session expired")

	ErrNotConnected = errors.New("not connected")
	ErrRoomFull     = errors.New("room is full")
)

// TrackError is a failed local capture of some media kind.
type TrackError struct {
	Kind string
	Err  error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrTrackCreationFailed, e.Kind, e.Err)
}

func (e *TrackError) Unwrap() []error { return []error{ErrTrackCreationFailed, e.Err} }

// JoinError is returned when the retry budget of a join is exhausted.
type JoinError struct {
	Attempts int
	Last     error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *JoinError) Unwrap() error { return e.Last }

// Retryable tells if the error may go away with another join attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if Terminal(err) {
		return false
	}
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrTokenTimeout) ||
		errors.Is(err, ErrTransportJoinFailed) ||
		errors.Is(err, ErrTransportConnectionFailed)
}

// Terminal tells if the error must be surfaced without any retry.
func Terminal(err error) bool {
	var je *JoinError
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrAlreadyJoinedElsewhere) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrRoomFull) ||
		errors.As(err, &je)
}

// Action is the single recovery action offered to a user.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionReturn Action = "return"
)

// UserMessage returns an actionable text and the recovery action for the error.
func UserMessage(err error) (string, Action) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, ErrAlreadyJoinedElsewhere):
		return "You are already in this room in another tab. Close it there to join here.", ActionReturn
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access is blocked. Allow it in your browser settings and try again.", ActionReturn
	case errors.Is(err, ErrRoomFull):
		return "This room is full.", ActionReturn
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Rejoin the room to continue.", ActionRetry
	case errors.Is(err, ErrTrackCreationFailed):
		return "Couldn't start your microphone.", ActionRetry
	case errors.Is(err, ErrTokenRejected):
		return "The room refused the connection.", ActionReturn
	case errors.Is(err, ErrNetworkUnavailable):
		return "You seem to be offline. Check your connection.", ActionRetry
	default:
		return "Couldn't connect to the room.", ActionRetry
	}
}
