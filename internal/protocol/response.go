package protocol

import (
	"encoding/json"
	"time"
)

// TimestampLayout matches SQLite's CURRENT_TIMESTAMP rendering, so live and
// replayed frames carry the same format.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders a message timestamp for the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Response is the outbound envelope. Optional fields are pointers so that
// unset values are omitted entirely rather than emitted as null.
type Response struct {
	Command   string  `json:"command"`
	Success   *bool   `json:"success,omitempty"`
	Message   string  `json:"message"`
	Payload   any     `json:"payload,omitempty"`
	ID        *int64  `json:"id,omitempty"`
	Sender    *string `json:"sender,omitempty"`
	Recipient *string `json:"recipient,omitempty"`
	Content   *string `json:"content,omitempty"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// NewResponse builds the common command/success/message reply.
func NewResponse(command string, success bool, message string) Response {
	return Response{Command: command, Success: &success, Message: message}
}

// IncomingMessage builds the server-initiated frame announcing a delivered
// chat message.
func IncomingMessage(sender, content, timestamp string, id int64) Response {
	return Response{
		Command:   "incoming_message",
		Sender:    &sender,
		Content:   &content,
		Timestamp: &timestamp,
		ID:        &id,
	}
}

// SerializeResponse renders the response as a newline-terminated JSON
// document, ready to be framed.
func SerializeResponse(r Response) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
