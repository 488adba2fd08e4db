// Package bus holds the platform-neutral message model and the bounded inbound
// queue every pier publishes into.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when an inbound event cannot be turned into a Message.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one chat event to be relayed. It is a value type: copies flow
// through the pipeline and nobody mutates a Message after NewMessage returns it.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Contents      string    `json:"contents"`
	SourceChannel string    `json:"source_channel"`
	SourcePier    string    `json:"source_pier"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewMessage validates and stamps an inbound event.
// allowEmpty reports whether the originating network permits empty bodies.
func NewMessage(pierID, channel, sender, contents string, allowEmpty bool) (Message, error) {
	switch {
	case strings.TrimSpace(pierID) == "":
		return Message{}, fmt.Errorf("%w: empty source pier", ErrInvalidMessage)
	case strings.TrimSpace(channel) == "":
		return Message{}, fmt.Errorf("%w: empty source channel", ErrInvalidMessage)
	case strings.TrimSpace(sender) == "":
		return Message{}, fmt.Errorf("%w: empty sender", ErrInvalidMessage)
	case contents == "" && !allowEmpty:
		return Message{}, fmt.Errorf("%w: empty contents", ErrInvalidMessage)
	}
	return Message{
		ID:            uuid.NewString(),
		Sender:        sender,
		Contents:      contents,
		SourceChannel: channel,
		SourcePier:    pierID,
		Timestamp:     time.Now(),
	}, nil
}

// Latency returns the time elapsed since the message was captured.
func (m Message) Latency() time.Duration {
	return time.Since(m.Timestamp)
}

// Origin returns "pier:channel" for log fields.
func (m Message) Origin() string {
	return m.SourcePier + ":" + m.SourceChannel
}
