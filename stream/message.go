package stream

import (
	"encoding/json"
	"time"
)

// MessageType discriminates execution messages
type MessageType string

// Message types
const (
	TypeStatus MessageType = "status"
	TypeStdout MessageType = "stdout"
	TypeStderr MessageType = "stderr"
	TypeResult MessageType = "result"
	TypeError  MessageType = "error"
)

// Run statuses carried by status messages
const (
	StatusStarting  = "starting"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Message is one item of a run's output, addressed by execution ID.
type Message struct {
	Type        MessageType `json:"type"`
	ExecutionID string      `json:"executionId"`
	SandboxID   string      `json:"sandboxId"`
	Payload     any         `json:"payload"`
	Timestamp   time.Time   `json:"timestamp"`
}

// StatusPayload is the payload of a status message
type StatusPayload struct {
	Status string `json:"status"`
}

// OutputPayload is the payload of stdout and stderr messages
type OutputPayload struct {
	Text string `json:"text"`
}

// ResultPayload is the payload of a result message
type ResultPayload struct {
	ExitCode   int             `json:"exitCode"`
	Text       string          `json:"text,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// ErrorPayload is the payload of an error message
type ErrorPayload struct {
	Message string `json:"message"`
}

// Output receives the messages of a run. Deliver must not block; an
// implementation that cannot reach its consumer drops the message.
type Output interface {
	Deliver(msg Message)
}

// OutputFunc adapts a function to Output
type OutputFunc func(msg Message)

// Deliver calls f(msg)
func (f OutputFunc) Deliver(msg Message) {
	f(msg)
}
