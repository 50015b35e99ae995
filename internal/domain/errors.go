package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")

	// ErrValidation is wrapped by every rejection caused by caller input.
	ErrValidation = errors.New("validation failed")

	ErrSenderRequired      = fmt.Errorf("%w: sender is required", ErrValidation)
	ErrReceiverRequired    = fmt.Errorf("%w: receiver is required", ErrValidation)
	ErrSelfMessage         = fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	ErrEmptyContent        = fmt.Errorf("%w: message content is required", ErrValidation)
	ErrContentTooLong      = fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MaxContentLength)
	ErrInvalidMessageType  = fmt.Errorf("%w: invalid message type", ErrValidation)
	ErrReceiverUnavailable = fmt.Errorf("%w: receiver not found or inactive", ErrValidation)
	ErrNotReceiver         = fmt.Errorf("%w: only the receiver can mark a message as read", ErrValidation)
	ErrNotParticipant      = fmt.Errorf("%w: user is not a participant of this message", ErrValidation)
	ErrMessageRequired     = fmt.Errorf("%w: message id is required", ErrValidation)

	ErrUserInactive = errors.New("user inactive")
)

// Reason strips the ErrValidation prefix so the text can be shown to a user.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	prefix := ErrValidation.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
