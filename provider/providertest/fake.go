// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/isdmx/sandboxd/provider"
)

// Call names recorded by the fake
const (
	CallCreate       = "Create"
	CallConnect      = "Connect"
	CallIsRunning    = "IsRunning"
	CallSetTimeout   = "SetTimeout"
	CallKill         = "Kill"
	CallRunCode      = "RunCode"
	CallStartProcess = "StartProcess"
	CallStartProxy   = "StartProxy"
)

// Provider is a scriptable in-memory provider that records every call.
type Provider struct {
	mu        sync.Mutex
	calls     map[string]int
	sandboxes map[string]*Sandbox
	nextID    int

	// CreateErr and ConnectErr make the respective calls fail.
	CreateErr  error
	ConnectErr error
	// KillErr makes Kill fail after recording the call.
	KillErr error
	// ProxyURL is returned by StartProxy.
	ProxyURL string
	// RunCode scripts the output of a code run.
	RunCode func(code string) ([]provider.Event, error)
	// StartProcess scripts the output of a spawned process.
	StartProcess func(spec provider.ProcessSpec) ([]provider.Event, error)
}

// New returns an empty fake provider
func New() *Provider {
	return &Provider{
		calls:     make(map[string]int),
		sandboxes: make(map[string]*Sandbox),
		ProxyURL:  "https://8000-fake.example.test",
	}
}

func (p *Provider) record(name string) {
	p.mu.Lock()
	p.calls[name]++
	p.mu.Unlock()
}

// Calls returns how many times the named call was made
func (p *Provider) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// TotalCalls returns the number of calls of any kind
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Sandbox returns the fake sandbox with the given ID, or nil
func (p *Provider) Sandbox(id string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

// AddRemote registers a sandbox that exists remotely but was never created through this process.
func (p *Provider) AddRemote(id, template string, metadata map[string]string) *Sandbox {
	s := &Sandbox{provider: p, id: id, template: template, metadata: metadata, running: true}
	p.mu.Lock()
	p.sandboxes[id] = s
	p.mu.Unlock()
	return s
}

func (p *Provider) Create(_ context.Context, _ provider.Credential, opts provider.CreateOptions) (provider.Sandbox, error) {
	p.record(CallCreate)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	p.mu.Lock()
	p.nextID++
	s := &Sandbox{
		provider: p,
		id:       fmt.Sprintf("sbx-%d", p.nextID),
		template: opts.Template,
		metadata: opts.Metadata,
		running:  true,
		timeout:  opts.Timeout,
	}
	p.sandboxes[s.id] = s
	p.mu.Unlock()
	return s, nil
}

func (p *Provider) Connect(_ context.Context, id string, _ provider.Credential) (provider.Sandbox, error) {
	p.record(CallConnect)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	p.mu.Lock()
	s, ok := p.sandboxes[id]
	p.mu.Unlock()
	if !ok || s.Killed() {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	return s, nil
}

// Sandbox is a fake sandbox handle.
type Sandbox struct {
	provider *Provider
	id       string
	template string
	metadata map[string]string

	mu         sync.Mutex
	running    bool
	killed     bool
	runningErr error
	timeout    time.Duration
}

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) Template() string { return s.template }

func (s *Sandbox) Metadata() map[string]string { return s.metadata }

// SetRunning changes what IsRunning reports; a non-nil err makes the check fail.
func (s *Sandbox) SetRunning(running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.runningErr = err
}

// Killed reports whether Kill was called
func (s *Sandbox) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Timeout returns the last timeout set on the sandbox
func (s *Sandbox) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Sandbox) IsRunning(context.Context) (bool, error) {
	s.provider.record(CallIsRunning)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningErr != nil {
		return false, s.runningErr
	}
	return s.running && !s.killed, nil
}

func (s *Sandbox) SetTimeout(_ context.Context, d time.Duration) error {
	s.provider.record(CallSetTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *Sandbox) Kill(context.Context) error {
	s.provider.record(CallKill)
	s.mu.Lock()
	s.killed = true
	s.running = false
	s.mu.Unlock()
	return s.provider.KillErr
}

func (s *Sandbox) RunCode(_ context.Context, code string, _ time.Duration) (provider.Stream, error) {
	s.provider.record(CallRunCode)
	if s.provider.RunCode == nil {
		return &SliceStream{Events: []provider.Event{{Kind: provider.EventExit}}}, nil
	}
	events, err := s.provider.RunCode(code)
	if err != nil {
		return nil, err
	}
	return &SliceStream{Events: events}, nil
}

func (s *Sandbox) StartProcess(_ context.Context, spec provider.ProcessSpec) (provider.Stream, error) {
	s.provider.record(CallStartProcess)
	if s.provider.StartProcess == nil {
		return &SliceStream{Events: []provider.Event{{Kind: provider.EventExit}}}, nil
	}
	events, err := s.provider.StartProcess(spec)
	if err != nil {
		return nil, err
	}
	return &SliceStream{Events: events}, nil
}

func (s *Sandbox) StartProxy(context.Context, int, string, string) (string, error) {
	s.provider.record(CallStartProxy)
	return s.provider.ProxyURL, nil
}

// SliceStream replays a fixed list of events, then returns Err or io.EOF.
type SliceStream struct {
	Events []provider.Event
	Err    error

	mu     sync.Mutex
	next   int
	closed bool
}

func (s *SliceStream) Next(context.Context) (provider.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		return ev, nil
	}
	if s.Err != nil {
		return provider.Event{}, s.Err
	}
	return provider.Event{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
