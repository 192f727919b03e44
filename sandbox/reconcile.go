package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/provider"
)

// Resolve returns the handle for id. Sandboxes missing from the registry,
// typically after a restart, are reattached through the provider and
// registered as running. Reattach failures return ErrSandboxUnavailable.
func (m *Manager) Resolve(ctx context.Context, id string, cred provider.Credential) (provider.Sandbox, error) {
	if handle, ok := m.Handle(id); ok {
		return handle, nil
	}

	cred = m.credential(cred)
	handle, err := m.provider.Connect(ctx, id, cred)
	if err != nil {
		m.metrics.Reconciled(false)
		m.logger.Warn("failed to reattach sandbox", zap.String("sandbox_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrSandboxUnavailable, id, err)
	}
	m.metrics.Reconciled(true)

	metadata := handle.Metadata()
	purpose := metadata[MetadataPurpose]
	if purpose == "" {
		purpose = PurposeReconciled
	}
	owner := cred.Owner
	if owner == "" {
		owner = metadata[MetadataOwner]
	}

	record, added := m.Adopt(handle, purpose, owner)
	if !added {
		// Registered concurrently; keep the first handle.
		existing, _ := m.Handle(id)
		if existing != nil {
			return existing, nil
		}
	}

	m.logger.Info("sandbox reattached",
		zap.String("sandbox_id", id),
		zap.String("purpose", record.Purpose))
	return handle, nil
}
