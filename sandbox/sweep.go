package sandbox

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
)

// Start schedules the idle sweep. It is a no-op when IdleTimeout or
// SweepInterval is zero.
func (m *Manager) Start(context.Context) error {
	if m.config.IdleTimeout <= 0 || m.config.SweepInterval <= 0 {
		m.logger.Info("idle sweep disabled")
		return nil
	}

	logger := cronLogger{m.logger.Sugar()}
	m.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	m.cron.Schedule(cron.Every(m.config.SweepInterval), cron.FuncJob(func() {
		m.CleanupIdleSandboxes(context.Background(), m.config.IdleTimeout)
	}))
	m.cron.Start()

	m.logger.Info("idle sweep scheduled",
		zap.Duration("interval", m.config.SweepInterval),
		zap.Duration("max_idle", m.config.IdleTimeout))
	return nil
}

// Stop halts the idle sweep, waits for a running sweep to finish and
// releases every tracked sandbox.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cron != nil {
		select {
		case <-m.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	n := m.cleanupAll(ctx, metrics.ReasonShutdown)
	m.logger.Info("sandbox manager stopped", zap.Int("released", n))
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
