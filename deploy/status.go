package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/sandbox"
)

// Deployment states
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateError   = "error"
)

// Status is the observed state of a deployed server.
type Status struct {
	SandboxID  string     `json:"sandboxId"`
	State      string     `json:"state"`
	ServerURL  string     `json:"serverUrl,omitempty"`
	Purpose    string     `json:"purpose,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// GetStatus reports the state of the deployment in sandbox id, reattaching
// to it if this process does not know it. It never fails: problems are
// reported as State "error".
func (d *Deployer) GetStatus(ctx context.Context, id string, cred provider.Credential) Status {
	handle, err := d.manager.Resolve(ctx, id, cred)
	if err != nil {
		return Status{SandboxID: id, State: StateError, Message: err.Error()}
	}

	status := Status{SandboxID: id, State: StateStopped}
	if d.manager.IsSandboxRunning(ctx, id) {
		status.State = StateRunning
		status.ServerURL = d.serverURL(ctx, handle)
	}
	if record, ok := d.manager.GetSandbox(id); ok {
		if record.Status == sandbox.StatusError {
			status.State = StateError
			status.Message = "sandbox status check failed"
		}
		status.Purpose = record.Purpose
		lastUsed := record.LastUsedAt
		status.LastUsedAt = &lastUsed
	}
	return status
}

// serverURL returns the public endpoint, reopening the proxy for
// deployments made by an earlier process.
func (d *Deployer) serverURL(ctx context.Context, handle provider.Sandbox) string {
	d.mu.Lock()
	base, ok := d.urls[handle.ID()]
	d.mu.Unlock()

	if !ok {
		url, err := handle.StartProxy(ctx, d.config.Port, "0.0.0.0", "https")
		if err != nil {
			d.logger.Debug("failed to recover server URL", zap.String("sandbox_id", handle.ID()), zap.Error(err))
			return ""
		}
		base = strings.TrimRight(url, "/")
		d.mu.Lock()
		d.urls[handle.ID()] = base
		d.mu.Unlock()
	}
	return base + d.config.EndpointPath
}

// Stop terminates the deployment in sandbox id.
func (d *Deployer) Stop(ctx context.Context, id string, cred provider.Credential) error {
	if _, err := d.manager.Resolve(ctx, id, cred); err != nil {
		return err
	}
	d.manager.ReleaseSandbox(ctx, id)

	d.logger.Info("MCP server stopped", zap.String("sandbox_id", id))
	return nil
}

// ExtendTimeout sets the remote timeout of sandbox id to timeout from now.
func (d *Deployer) ExtendTimeout(ctx context.Context, id string, cred provider.Credential, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	handle, err := d.manager.Resolve(ctx, id, cred)
	if err != nil {
		return err
	}
	if err := handle.SetTimeout(ctx, timeout); err != nil {
		return fmt.Errorf("failed to extend timeout of %s: %w", id, err)
	}
	d.manager.UpdateLastUsed(id)

	d.logger.Info("MCP server timeout extended",
		zap.String("sandbox_id", id),
		zap.Duration("timeout", timeout))
	return nil
}
