package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/isdmx/sandboxd/provider"
)

// Status is the last known state of a tracked sandbox.
type Status string

// Status values
const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Well-known purposes
const (
	PurposeCodeExec   = "code-exec"
	PurposeMCPServer  = "mcp-server"
	PurposeReconciled = "reconciled"
)

// Metadata keys stored on the remote sandbox so a later reattach can recover them.
const (
	MetadataPurpose = "purpose"
	MetadataOwner   = "owner"
)

var (
	// ErrProvisioning is returned when the provider refuses to create a sandbox.
	ErrProvisioning = errors.New("sandbox provisioning failed")
	// ErrSandboxUnavailable is returned when an unknown sandbox cannot be reattached.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
)

// Record is a snapshot of the local bookkeeping for one sandbox.
type Record struct {
	ID         string    `json:"id"`
	Purpose    string    `json:"purpose"`
	Owner      string    `json:"owner,omitempty"`
	Template   string    `json:"template,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	KeepAlive  bool      `json:"keepAlive"`
}

// Stats summarizes the registry.
type Stats struct {
	Total     int            `json:"total"`
	Running   int            `json:"running"`
	Stopped   int            `json:"stopped"`
	Error     int            `json:"error"`
	ByPurpose map[string]int `json:"byPurpose"`
}

type keepAliveTask struct {
	cancel context.CancelFunc
}

// entry is the live registry value. It never leaves the package.
type entry struct {
	record    Record
	handle    provider.Sandbox
	keepAlive *keepAliveTask
}

func (e *entry) snapshot() Record {
	r := e.record
	r.KeepAlive = e.keepAlive != nil
	return r
}

func (e *entry) stopKeepAlive() {
	if e.keepAlive != nil {
		e.keepAlive.cancel()
		e.keepAlive = nil
	}
}
