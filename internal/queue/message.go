package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sungwon/mail-dispatch/internal/email"
)

// ErrMalformedMessage is returned by Decode when a body is not a valid
// queue message. Such messages can never succeed and are dropped.
var ErrMalformedMessage = errors.New("queue: malformed message")

// Message is the wire body of a queued email. Only ID is authoritative; the
// consumer re-reads the record from the store. RetryCount is informational.
type Message struct {
	ID         int64 `json:"id"`
	RetryCount int   `json:"retry_count,omitempty"`
}

// NewMessage builds the queue message for a record.
func NewMessage(rec *email.Record) Message {
	return Message{ID: rec.ID, RetryCount: rec.RetryCount}
}

// Encode serializes the message to JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Decode parses a delivery body. Bodies that are not JSON objects or carry
// no positive id are reported as ErrMalformedMessage.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.ID <= 0 {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	return m, nil
}
