package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)

// Local implements Provider by running processes directly on the host.
// It offers no isolation and is meant for development only.
type Local struct {
	logger *zap.Logger
	config *Config

	mu        sync.Mutex
	sandboxes map[string]*localSandbox
}

// NewLocal creates a Local provider
func NewLocal(logger *zap.Logger, cfg *Config) *Local {
	return &Local{
		logger:    logger.With(zap.String("provider", BackendLocal)),
		config:    cfg,
		sandboxes: make(map[string]*localSandbox),
	}
}

// Create makes a temporary working directory that acts as the sandbox filesystem.
func (l *Local) Create(_ context.Context, cred Credential, opts CreateOptions) (Sandbox, error) {
	dir, err := os.MkdirTemp(l.config.LocalWorkdir, "sandboxd-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &localSandbox{
		local:    l,
		id:       "local-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		template: opts.Template,
		workdir:  dir,
		env:      opts.Env,
		metadata: make(map[string]string, len(opts.Metadata)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for k, v := range opts.Metadata {
		s.metadata[k] = v
	}
	if cred.Owner != "" {
		s.metadata["owner"] = cred.Owner
	}
	if opts.Timeout > 0 {
		s.timer = time.AfterFunc(opts.Timeout, s.expire)
	}

	l.mu.Lock()
	l.sandboxes[s.id] = s
	l.mu.Unlock()

	l.logger.Info("local sandbox created",
		zap.String("sandbox_id", s.id),
		zap.String("workdir", dir),
		zap.Duration("timeout", opts.Timeout))
	return s, nil
}

// Connect returns the sandbox if it is still alive in this process.
func (l *Local) Connect(_ context.Context, id string, _ Credential) (Sandbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (l *Local) forget(id string) {
	l.mu.Lock()
	delete(l.sandboxes, id)
	l.mu.Unlock()
}

type localSandbox struct {
	local    *Local
	id       string
	template string
	workdir  string
	env      map[string]string
	metadata map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	killed bool
	timer  *time.Timer
}

func (s *localSandbox) ID() string { return s.id }

func (s *localSandbox) Template() string { return s.template }

func (s *localSandbox) Metadata() map[string]string { return s.metadata }

func (s *localSandbox) IsRunning(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.killed, nil
}

func (s *localSandbox) SetTimeout(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, s.expire)
		return nil
	}
	s.timer.Reset(d)
	return nil
}

func (s *localSandbox) Kill(context.Context) error {
	s.terminate()
	s.local.logger.Info("local sandbox killed", zap.String("sandbox_id", s.id))
	return nil
}

func (s *localSandbox) expire() {
	s.local.logger.Info("local sandbox timed out", zap.String("sandbox_id", s.id))
	s.terminate()
}

func (s *localSandbox) terminate() {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.local.forget(s.id)
	if err := os.RemoveAll(s.workdir); err != nil {
		s.local.logger.Warn("failed to remove sandbox dir", zap.String("path", s.workdir), zap.Error(err))
	}
}

func (s *localSandbox) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.killed
}

// RunCode writes code to a file private to this run and executes it. The
// file is removed once the process has exited.
func (s *localSandbox) RunCode(_ context.Context, code string, timeout time.Duration) (Stream, error) {
	ext, interpreter := interpreterFor(s.template)
	fileName := "run-" + uuid.NewString() + ext
	path := filepath.Join(s.workdir, fileName)
	if err := os.WriteFile(path, []byte(code), FilePermission); err != nil {
		return nil, fmt.Errorf("failed to write code file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.local.logger.Debug("failed to remove code file", zap.String("path", path), zap.Error(err))
		}
	}
	argv := append(interpreter, fileName)
	stream, err := s.spawn(argv, nil, s.workdir, timeout, cleanup)
	if err != nil {
		cleanup()
		return nil, err
	}
	return stream, nil
}

func (s *localSandbox) StartProcess(_ context.Context, spec ProcessSpec) (Stream, error) {
	dir := s.workdir
	if spec.Cwd != "" {
		dir = filepath.Join(s.workdir, filepath.Clean("/"+spec.Cwd))
		if err := os.MkdirAll(dir, DirPermission); err != nil {
			return nil, fmt.Errorf("failed to create working dir: %w", err)
		}
	}
	return s.spawn([]string{"sh", "-c", spec.Cmd}, spec.Env, dir, 0, nil)
}

// StartProxy returns the loopback address; host processes need no proxy.
func (s *localSandbox) StartProxy(_ context.Context, port int, _, protocol string) (string, error) {
	if !s.alive() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}
	if protocol == "" || protocol == "https" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", protocol, port), nil
}

// spawn starts argv and streams its output. done, if set, runs after the process has exited.
func (s *localSandbox) spawn(argv []string, env map[string]string, dir string, timeout time.Duration, done func()) (Stream, error) {
	if !s.alive() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}

	var (
		procCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		procCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		procCtx, cancel = context.WithCancel(s.ctx)
	}

	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...) //nolint:gosec // Running sandbox code is the purpose
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	stream := newChanStream(cancel)
	go func() {
		defer cancel()
		defer close(stream.events)
		if done != nil {
			defer done()
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go pumpLines(&wg, stream, stdout, EventStdout)
		go pumpLines(&wg, stream, stderr, EventStderr)
		wg.Wait()

		exitCode := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				stream.errs <- fmt.Errorf("process failed: %w", err)
				return
			}
			exitCode = exitErr.ExitCode()
		}
		if errors.Is(procCtx.Err(), context.DeadlineExceeded) {
			stream.send(Event{Kind: EventError, Text: "execution timed out"})
		}
		stream.send(Event{Kind: EventExit, ExitCode: exitCode})
	}()
	return stream, nil
}

// pumpLines forwards r line by line until EOF. It always reads r to the end
// so the process never blocks on a full pipe.
func pumpLines(wg *sync.WaitGroup, stream *chanStream, r io.Reader, kind EventKind) {
	defer wg.Done()
	defer func() { _, _ = io.Copy(io.Discard, r) }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		if !stream.send(Event{Kind: kind, Text: scanner.Text()}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		text := fmt.Sprintf("%s reader stopped: %v", kind, err)
		if errors.Is(err, bufio.ErrTooLong) {
			text = fmt.Sprintf("%s line exceeds %d bytes, remaining output discarded", kind, maxFrameBytes)
		}
		stream.send(Event{Kind: EventError, Text: text})
	}
}

// interpreterFor maps a template to the code file extension and the
// interpreter the file is passed to.
func interpreterFor(template string) (ext string, interpreter []string) {
	t := strings.ToLower(template)
	switch {
	case strings.Contains(t, "node"), strings.Contains(t, "javascript"):
		return ".js", []string{"node"}
	case strings.Contains(t, "python"), strings.HasPrefix(t, "code-interpreter"):
		return ".py", []string{"python3"}
	default:
		return ".sh", []string{"sh"}
	}
}
