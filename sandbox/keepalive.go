package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SetupKeepAlive starts a recurring task that extends the remote timeout of
// id while it is alive. A previous task for id is cancelled first. The task
// stops by itself once the sandbox is no longer running.
func (m *Manager) SetupKeepAlive(id string, interval time.Duration) {
	if interval <= 0 {
		interval = m.config.KeepAliveInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &keepAliveTask{cancel: cancel}
	if !m.registry.update(id, func(e *entry) {
		e.stopKeepAlive()
		e.keepAlive = task
	}) {
		cancel()
		m.logger.Warn("keep-alive requested for unknown sandbox", zap.String("sandbox_id", id))
		return
	}

	m.keepAlives.Add(1)
	go m.keepAlive(ctx, id, task, interval)

	m.logger.Debug("keep-alive scheduled",
		zap.String("sandbox_id", id),
		zap.Duration("interval", interval))
}

func (m *Manager) keepAlive(ctx context.Context, id string, task *keepAliveTask, interval time.Duration) {
	defer m.keepAlives.Add(-1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.IsSandboxRunning(ctx, id) {
			if ctx.Err() != nil {
				return
			}
			m.metrics.KeepAliveTick("stopped")
			m.logger.Info("sandbox no longer running, stopping keep-alive", zap.String("sandbox_id", id))
			m.clearKeepAlive(id, task)
			return
		}

		handle, ok := m.Handle(id)
		if !ok {
			return
		}
		if err := handle.SetTimeout(ctx, m.config.KeepAliveExtend); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.KeepAliveTick("failed")
			m.logger.Warn("failed to extend sandbox timeout", zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		m.UpdateLastUsed(id)
		m.metrics.KeepAliveTick("extended")
	}
}

// clearKeepAlive drops the task reference if it is still the current one.
func (m *Manager) clearKeepAlive(id string, task *keepAliveTask) {
	m.registry.update(id, func(e *entry) {
		if e.keepAlive == task {
			e.keepAlive = nil
		}
	})
	task.cancel()
}
