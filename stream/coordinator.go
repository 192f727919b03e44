package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
)

// DefaultTimeout bounds a run when the caller gives no timeout.
const DefaultTimeout = 60 * time.Second

// ErrExecutionFailed is returned when the code itself failed: the provider
// reported an error or the process exited non-zero.
var ErrExecutionFailed = errors.New("execution failed")

// Resolver looks up sandbox handles and records their use.
// It is implemented by *sandbox.Manager.
type Resolver interface {
	Resolve(ctx context.Context, id string, cred provider.Credential) (provider.Sandbox, error)
	UpdateLastUsed(id string)
}

// Config holds configuration for the Coordinator
type Config struct {
	DefaultTimeout time.Duration
	// ShellRewrite enables running shell commands through the template's interpreter.
	ShellRewrite bool
}

// Coordinator runs code and streams its output. Runs share no state, so any
// number of them may proceed at once, also against the same sandbox.
type Coordinator struct {
	logger   *zap.Logger
	resolver Resolver
	config   *Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

// CoordinatorOption defines a functional option for Coordinator
type CoordinatorOption func(*Coordinator)

// WithMetrics sets the collectors the Coordinator reports to
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a Coordinator
func NewCoordinator(logger *zap.Logger, resolver Resolver, cfg *Config, opts ...CoordinatorOption) *Coordinator {
	if cfg == nil {
		cfg = &Config{ShellRewrite: true}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	c := &Coordinator{
		logger:   logger,
		resolver: resolver,
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runOptions struct {
	cred provider.Credential
}

// RunOption customizes RunAndStream
type RunOption func(*runOptions)

// WithCredential sets the credential used to reattach an unknown sandbox
func WithCredential(cred provider.Credential) RunOption {
	return func(o *runOptions) {
		o.cred = cred
	}
}

// run carries the per-execution state of one RunAndStream call.
type run struct {
	id        string
	sandboxID string
	out       Output
	now       func() time.Time
}

func (r *run) emit(t MessageType, payload any) {
	r.out.Deliver(Message{
		Type:        t,
		ExecutionID: r.id,
		SandboxID:   r.sandboxID,
		Payload:     payload,
		Timestamp:   r.now().UTC(),
	})
}

// RunAndStream runs code in sandboxID and delivers its output to out as it
// arrives. The returned execution ID is valid even when err is non-nil; by
// then out has received an error message and an "error" status.
func (c *Coordinator) RunAndStream(ctx context.Context, sandboxID, code string, out Output, timeout time.Duration, opts ...RunOption) (string, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}

	r := &run{id: uuid.NewString(), sandboxID: sandboxID, out: out, now: c.now}
	logger := c.logger.With(zap.String("execution_id", r.id), zap.String("sandbox_id", sandboxID))
	started := c.now()

	r.emit(TypeStatus, StatusPayload{Status: StatusStarting})

	result, err := c.execute(ctx, r, logger, code, timeout, o.cred)
	if err != nil {
		r.emit(TypeError, ErrorPayload{Message: err.Error()})
		r.emit(TypeStatus, StatusPayload{Status: StatusError})
		c.metrics.ExecutionFinished(StatusError, c.now().Sub(started))
		logger.Warn("execution failed", zap.Error(err))
		return r.id, err
	}

	result.DurationMs = c.now().Sub(started).Milliseconds()
	r.emit(TypeResult, result)
	r.emit(TypeStatus, StatusPayload{Status: StatusCompleted})
	c.metrics.ExecutionFinished(StatusCompleted, c.now().Sub(started))
	logger.Info("execution completed", zap.Int64("duration_ms", result.DurationMs))
	return r.id, nil
}

func (c *Coordinator) execute(ctx context.Context, r *run, logger *zap.Logger, code string, timeout time.Duration, cred provider.Credential) (ResultPayload, error) {
	handle, err := c.resolver.Resolve(ctx, r.sandboxID, cred)
	if err != nil {
		return ResultPayload{}, err
	}
	c.resolver.UpdateLastUsed(r.sandboxID)
	defer c.resolver.UpdateLastUsed(r.sandboxID)

	if c.config.ShellRewrite {
		code = PrepareCode(handle.Template(), code)
	}

	output, err := handle.RunCode(ctx, code, timeout)
	if err != nil {
		return ResultPayload{}, fmt.Errorf("failed to start execution: %w", err)
	}
	defer output.Close()

	var (
		result  ResultPayload
		failed  bool
		failure string
	)
	for {
		ev, err := output.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, provider.ErrUnknownFrame) {
			logger.Warn("skipping unrecognized output frame", zap.Error(err))
			continue
		}
		if err != nil {
			return ResultPayload{}, fmt.Errorf("output stream failed: %w", err)
		}

		switch ev.Kind {
		case provider.EventStdout:
			r.emit(TypeStdout, OutputPayload{Text: ev.Text})
		case provider.EventStderr:
			r.emit(TypeStderr, OutputPayload{Text: ev.Text})
		case provider.EventResult:
			result.Text = ev.Text
			result.Data = ev.Data
		case provider.EventError:
			failed = true
			failure = ev.Text
		case provider.EventExit:
			result.ExitCode = ev.ExitCode
		}
	}

	switch {
	case failed:
		if failure == "" {
			failure = "provider reported an error"
		}
		return ResultPayload{}, fmt.Errorf("%w: %s", ErrExecutionFailed, failure)
	case result.ExitCode != 0:
		return ResultPayload{}, fmt.Errorf("%w: exit code %d", ErrExecutionFailed, result.ExitCode)
	}
	return result, nil
}
