package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Backend names
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

var (
	// ErrNotFound is returned when the provider has no live sandbox with the requested ID.
	ErrNotFound = errors.New("sandbox not found")

	// ErrUnknownFrame is returned by Normalize for frames it cannot interpret.
	ErrUnknownFrame = errors.New("unrecognized output frame")
)

// Credential authenticates calls to the provider on behalf of an owner
type Credential struct {
	APIKey string
	Owner  string
}

// IsZero reports whether no credential material was supplied
func (c Credential) IsZero() bool {
	return c.APIKey == "" && c.Owner == ""
}

// CreateOptions parametrizes a new sandbox
type CreateOptions struct {
	Template string
	Timeout  time.Duration
	Metadata map[string]string
	Env      map[string]string
}

// ProcessSpec describes a process to start inside a sandbox
type ProcessSpec struct {
	Cmd string
	Env map[string]string
	Cwd string
}

// Provider creates sandboxes and reattaches to running ones.
type Provider interface {
	Create(ctx context.Context, cred Credential, opts CreateOptions) (Sandbox, error)
	Connect(ctx context.Context, id string, cred Credential) (Sandbox, error)
}

// Sandbox is the live handle of one remote sandbox.
type Sandbox interface {
	ID() string
	Template() string
	Metadata() map[string]string

	IsRunning(ctx context.Context) (bool, error)
	SetTimeout(ctx context.Context, d time.Duration) error
	Kill(ctx context.Context) error

	// RunCode executes code with the interpreter of the sandbox template.
	RunCode(ctx context.Context, code string, timeout time.Duration) (Stream, error)
	// StartProcess spawns a process. The last event of its stream is EventExit.
	StartProcess(ctx context.Context, spec ProcessSpec) (Stream, error)
	// StartProxy exposes port inside the sandbox and returns the external URL.
	StartProxy(ctx context.Context, port int, hostname, protocol string) (string, error)
}

// Stream yields output events in provider delivery order.
// Next returns io.EOF after the final event.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// EventKind discriminates the Event union
type EventKind string

// Event kinds
const (
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
	EventExit   EventKind = "exit"
)

// Event is one normalized output item.
type Event struct {
	Kind     EventKind
	Text     string
	Data     json.RawMessage
	ExitCode int
}
