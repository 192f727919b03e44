package sandbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
)

// Default lifecycle settings
const (
	DefaultTimeout           = 5 * time.Minute
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeepAliveExtend   = 5 * time.Minute
)

// Config holds the lifecycle settings of the Manager
type Config struct {
	DefaultTemplate   string
	DefaultTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveExtend   time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration

	// DefaultCredential is used when a caller supplies none.
	DefaultCredential provider.Credential
}

// Manager owns the Registry and every state transition of the sandboxes in it.
type Manager struct {
	logger   *zap.Logger
	provider provider.Provider
	config   *Config
	registry *Registry
	metrics  *metrics.Metrics
	now      func() time.Time

	cron       *cron.Cron
	keepAlives atomic.Int64

	hooksMu      sync.Mutex
	releaseHooks []func(id string)
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithMetrics sets the collectors the Manager reports to
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a Manager. Zero durations in cfg fall back to defaults.
func NewManager(logger *zap.Logger, p provider.Provider, cfg *Config, opts ...ManagerOption) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.KeepAliveExtend <= 0 {
		cfg.KeepAliveExtend = DefaultKeepAliveExtend
	}

	m := &Manager{
		logger:   logger,
		provider: p,
		config:   cfg,
		registry: NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type createOptions struct {
	template string
	timeout  time.Duration
	env      map[string]string
}

// CreateOption customizes CreateSandbox
type CreateOption func(*createOptions)

// WithTimeout overrides the configured sandbox timeout
func WithTimeout(d time.Duration) CreateOption {
	return func(o *createOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTemplate overrides the configured template
func WithTemplate(template string) CreateOption {
	return func(o *createOptions) {
		if template != "" {
			o.template = template
		}
	}
}

// WithEnv sets environment variables for every process in the sandbox
func WithEnv(env map[string]string) CreateOption {
	return func(o *createOptions) {
		o.env = env
	}
}

func (m *Manager) credential(cred provider.Credential) provider.Credential {
	if cred.IsZero() {
		return m.config.DefaultCredential
	}
	return cred
}

// CreateSandbox provisions a sandbox and tracks it with status running.
// Provider failures are wrapped in ErrProvisioning and not retried.
func (m *Manager) CreateSandbox(ctx context.Context, cred provider.Credential, purpose string, opts ...CreateOption) (provider.Sandbox, string, error) {
	o := createOptions{
		template: m.config.DefaultTemplate,
		timeout:  m.config.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cred = m.credential(cred)

	metadata := map[string]string{MetadataPurpose: purpose}
	if cred.Owner != "" {
		metadata[MetadataOwner] = cred.Owner
	}

	handle, err := m.provider.Create(ctx, cred, provider.CreateOptions{
		Template: o.template,
		Timeout:  o.timeout,
		Metadata: metadata,
		Env:      o.env,
	})
	if err != nil {
		m.metrics.ProvisionFailed()
		m.logger.Error("failed to create sandbox",
			zap.String("purpose", purpose),
			zap.String("template", o.template),
			zap.Error(err))
		return nil, "", fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	now := m.now()
	template := handle.Template()
	if template == "" {
		template = o.template
	}
	m.registry.insert(&entry{
		record: Record{
			ID:         handle.ID(),
			Purpose:    purpose,
			Owner:      cred.Owner,
			Template:   template,
			Status:     StatusRunning,
			CreatedAt:  now,
			LastUsedAt: now,
		},
		handle: handle,
	})
	m.metrics.SandboxCreated(purpose)
	m.metrics.SetActive(m.registry.Len())

	m.logger.Info("sandbox registered",
		zap.String("sandbox_id", handle.ID()),
		zap.String("purpose", purpose),
		zap.String("template", template),
		zap.Duration("timeout", o.timeout))
	return handle, handle.ID(), nil
}

// GetSandbox returns a snapshot of the record for id.
func (m *Manager) GetSandbox(id string) (Record, bool) {
	record, _, ok := m.registry.lookup(id)
	return record, ok
}

// Handle returns the tracked handle for id without contacting the provider.
func (m *Manager) Handle(id string) (provider.Sandbox, bool) {
	_, handle, ok := m.registry.lookup(id)
	return handle, ok
}

// IsSandboxRunning asks the provider whether id is alive and records the
// answer. Query failures mark the record as error and report false.
func (m *Manager) IsSandboxRunning(ctx context.Context, id string) bool {
	_, handle, ok := m.registry.lookup(id)
	if !ok {
		return false
	}

	running, err := handle.IsRunning(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the sandbox.
		return false
	}
	status := StatusStopped
	switch {
	case err != nil:
		status = StatusError
		m.logger.Warn("sandbox status check failed", zap.String("sandbox_id", id), zap.Error(err))
	case running:
		status = StatusRunning
	}

	m.registry.update(id, func(e *entry) {
		e.record.Status = status
	})
	return err == nil && running
}

// UpdateLastUsed moves LastUsedAt to now. It never moves backwards.
func (m *Manager) UpdateLastUsed(id string) {
	now := m.now()
	m.registry.update(id, func(e *entry) {
		if now.After(e.record.LastUsedAt) {
			e.record.LastUsedAt = now
		}
	})
}

// ReleaseSandbox untracks id and kills the remote sandbox. Kill failures are
// logged only. Releasing an unknown id is a no-op.
func (m *Manager) ReleaseSandbox(ctx context.Context, id string) {
	e, ok := m.registry.remove(id)
	if !ok {
		return
	}
	m.terminate(ctx, []*entry{e}, metrics.ReasonExplicit)
}

// CleanupIdleSandboxes releases every sandbox unused for longer than maxIdle
// and returns their IDs.
func (m *Manager) CleanupIdleSandboxes(ctx context.Context, maxIdle time.Duration) []string {
	now := m.now()
	removed := m.registry.removeWhere(func(e *entry) bool {
		return now.Sub(e.record.LastUsedAt) > maxIdle
	})
	m.terminate(ctx, removed, metrics.ReasonIdle)

	ids := make([]string, 0, len(removed))
	for _, e := range removed {
		ids = append(ids, e.record.ID)
	}
	if len(ids) > 0 {
		m.logger.Info("idle sandboxes released", zap.Strings("sandbox_ids", ids), zap.Duration("max_idle", maxIdle))
	}
	return ids
}

// CleanupAllSandboxes releases every tracked sandbox and returns how many there were.
func (m *Manager) CleanupAllSandboxes(ctx context.Context) int {
	return m.cleanupAll(ctx, metrics.ReasonExplicit)
}

func (m *Manager) cleanupAll(ctx context.Context, reason string) int {
	removed := m.registry.removeWhere(func(*entry) bool { return true })
	m.terminate(ctx, removed, reason)
	return len(removed)
}

// terminate kills untracked sandboxes concurrently.
// OnRelease registers fn to run for every sandbox that stops being tracked,
// whether it was released explicitly, swept as idle or cleaned up on shutdown.
func (m *Manager) OnRelease(fn func(id string)) {
	m.hooksMu.Lock()
	m.releaseHooks = append(m.releaseHooks, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) terminate(ctx context.Context, entries []*entry, reason string) {
	if len(entries) == 0 {
		return
	}
	m.metrics.SetActive(m.registry.Len())

	m.hooksMu.Lock()
	hooks := slices.Clone(m.releaseHooks)
	m.hooksMu.Unlock()
	for _, e := range entries {
		for _, fn := range hooks {
			fn(e.record.ID)
		}
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.metrics.SandboxReleased(reason)
			if err := e.handle.Kill(ctx); err != nil {
				m.logger.Error("failed to kill sandbox",
					zap.String("sandbox_id", e.record.ID),
					zap.String("reason", reason),
					zap.Error(err))
				return
			}
			m.logger.Info("sandbox released",
				zap.String("sandbox_id", e.record.ID),
				zap.String("reason", reason))
		}(e)
	}
	wg.Wait()
}

// GetStats counts the tracked sandboxes by status and purpose.
func (m *Manager) GetStats() Stats {
	stats := Stats{ByPurpose: make(map[string]int)}
	for _, r := range m.registry.records() {
		stats.Total++
		switch r.Status {
		case StatusRunning:
			stats.Running++
		case StatusStopped:
			stats.Stopped++
		case StatusError:
			stats.Error++
		}
		stats.ByPurpose[r.Purpose]++
	}
	return stats
}

// ListSandboxes returns snapshots of all records, oldest first.
func (m *Manager) ListSandboxes() []Record {
	return m.registry.records()
}

// Adopt tracks a handle obtained outside CreateSandbox. If the ID is already
// tracked the existing record is kept and returned with false.
func (m *Manager) Adopt(handle provider.Sandbox, purpose, owner string) (Record, bool) {
	now := m.now()
	record, _, added := m.registry.insert(&entry{
		record: Record{
			ID:         handle.ID(),
			Purpose:    purpose,
			Owner:      owner,
			Template:   handle.Template(),
			Status:     StatusRunning,
			CreatedAt:  now,
			LastUsedAt: now,
		},
		handle: handle,
	})
	if added {
		m.metrics.SetActive(m.registry.Len())
	}
	return record, added
}

// ActiveKeepAlives returns the number of keep-alive goroutines still running.
func (m *Manager) ActiveKeepAlives() int {
	return int(m.keepAlives.Load())
}
