package mail

import (
	"fmt"
	"strings"
)

// RecipientError describes one recipient refused by the relay.
type RecipientError struct {
	Address string
	Code    int
	Message string
}

func (e RecipientError) String() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s (%s)", e.Address, e.Message)
	}
	return fmt.Sprintf("%s (%d %s)", e.Address, e.Code, e.Message)
}

// RejectedError is returned when the relay refuses one or more recipients.
// The transaction is aborted before any data is sent, so no recipient gets the message.
type RejectedError struct {
	Recipients []RecipientError
}

func (e *RejectedError) Error() string {
	parts := make([]string, len(e.Recipients))
	for i, r := range e.Recipients {
		parts[i] = r.String()
	}
	return "recipients rejected: " + strings.Join(parts, ", ")
}
