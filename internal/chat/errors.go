package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrNotParticipant is returned when an actor is not one of the
	// conversation's two participants.
	ErrNotParticipant = errors.New("not a participant")

	// ErrSelfConversation is returned when an actor attempts to open a
	// conversation with itself.
	ErrSelfConversation = errors.New("self conversation")
)

// ValidationError reports invalid message input (empty or oversized
// content). It is surfaced to the caller inline and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNotParticipant reports whether err represents ErrNotParticipant.
func IsNotParticipant(err error) bool { return errors.Is(err, ErrNotParticipant) }
