package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	defaultDomain      = "e2b.app"
	defaultEnvdPort    = 49983
	defaultHTTPTimeout = 60 * time.Second
	maxFrameBytes      = 1 << 20
)

// Config holds configuration for the provider backends
type Config struct {
	Backend string

	// Remote backend
	APIURL      string
	Domain      string
	APIKey      string
	EnvdURL     string // overrides the per-sandbox envd address, used for self-hosted data planes
	EnvdPort    int
	HTTPTimeout time.Duration

	// Local backend
	EnableLocalBackend bool
	LocalWorkdir       string
}

// Remote implements Provider against the hosted sandbox API.
type Remote struct {
	logger     *zap.Logger
	config     *Config
	httpClient *http.Client
}

// RemoteOption defines a functional option for Remote
type RemoteOption func(*Remote)

// WithHTTPClient sets the HTTP client used for control plane and envd calls,
// including the handshake of envd output streams
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		r.httpClient = client
	}
}

// NewRemote creates a Remote provider. Missing addresses are derived from Domain.
func NewRemote(logger *zap.Logger, cfg *Config, opts ...RemoteOption) (*Remote, error) {
	if cfg == nil {
		return nil, fmt.Errorf("remote provider config is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.APIURL == "" {
		cfg.APIURL = fmt.Sprintf("https://api.%s", cfg.Domain)
	}
	if cfg.EnvdPort == 0 {
		cfg.EnvdPort = defaultEnvdPort
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	r := &Remote{
		logger:     logger.With(zap.String("provider", BackendRemote)),
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type sandboxResponse struct {
	SandboxID       string            `json:"sandboxID"`
	TemplateID      string            `json:"templateID"`
	EnvdAccessToken string            `json:"envdAccessToken"`
	Domain          string            `json:"domain,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	State           string            `json:"state,omitempty"`
}

type timeoutRequest struct {
	Timeout int `json:"timeout"`
}

// Create provisions a new sandbox.
func (r *Remote) Create(ctx context.Context, cred Credential, opts CreateOptions) (Sandbox, error) {
	req := createSandboxRequest{
		TemplateID: opts.Template,
		Timeout:    seconds(opts.Timeout),
		Metadata:   opts.Metadata,
		EnvVars:    opts.Env,
	}

	var resp sandboxResponse
	if err := r.controlPlaneCall(ctx, cred, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("failed to create sandbox: empty sandbox id in response")
	}
	if resp.TemplateID == "" {
		resp.TemplateID = opts.Template
	}
	if resp.Metadata == nil {
		resp.Metadata = opts.Metadata
	}

	r.logger.Info("sandbox created",
		zap.String("sandbox_id", resp.SandboxID),
		zap.String("template", resp.TemplateID),
		zap.Duration("timeout", opts.Timeout))

	return r.newSandbox(cred, &resp), nil
}

// Connect reattaches to a running sandbox by ID.
func (r *Remote) Connect(ctx context.Context, id string, cred Credential) (Sandbox, error) {
	var resp sandboxResponse
	path := fmt.Sprintf("/sandboxes/%s/connect", url.PathEscape(id))
	if err := r.controlPlaneCall(ctx, cred, http.MethodPost, path, nil, &resp); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to connect to sandbox %s: %w", id, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = id
	}

	r.logger.Info("sandbox reconnected", zap.String("sandbox_id", id))
	return r.newSandbox(cred, &resp), nil
}

func (r *Remote) newSandbox(cred Credential, resp *sandboxResponse) *remoteSandbox {
	domain := resp.Domain
	if domain == "" {
		domain = r.config.Domain
	}
	metadata := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	return &remoteSandbox{
		remote:      r,
		cred:        cred,
		id:          resp.SandboxID,
		template:    resp.TemplateID,
		domain:      domain,
		accessToken: resp.EnvdAccessToken,
		metadata:    metadata,
	}
}

// statusError is a non-2xx answer from the provider.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode == code
}

// controlPlaneCall makes a JSON request to the control plane API.
func (r *Remote) controlPlaneCall(ctx context.Context, cred Credential, method, path string, body, result any) error {
	apiKey := cred.APIKey
	if apiKey == "" {
		apiKey = r.config.APIKey
	}
	headers := http.Header{}
	headers.Set("X-API-Key", apiKey)
	return r.doJSON(ctx, method, strings.TrimRight(r.config.APIURL, "/")+path, headers, body, result)
}

func (r *Remote) doJSON(ctx context.Context, method, endpoint string, headers http.Header, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// remoteSandbox is the handle of one hosted sandbox.
type remoteSandbox struct {
	remote      *Remote
	cred        Credential
	id          string
	template    string
	domain      string
	accessToken string
	metadata    map[string]string
}

func (s *remoteSandbox) ID() string { return s.id }

func (s *remoteSandbox) Template() string { return s.template }

func (s *remoteSandbox) Metadata() map[string]string { return s.metadata }

// controlPath is the control plane resource of the sandbox. IDs may come
// from callers, so they are escaped into a single path segment.
func (s *remoteSandbox) controlPath() string {
	return "/sandboxes/" + url.PathEscape(s.id)
}

// IsRunning asks the control plane for the sandbox state. A missing sandbox is not running.
func (s *remoteSandbox) IsRunning(ctx context.Context) (bool, error) {
	var resp sandboxResponse
	err := s.remote.controlPlaneCall(ctx, s.cred, http.MethodGet, s.controlPath(), nil, &resp)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.State == "" || resp.State == "running", nil
}

func (s *remoteSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	path := s.controlPath() + "/timeout"
	if err := s.remote.controlPlaneCall(ctx, s.cred, http.MethodPost, path, timeoutRequest{Timeout: seconds(d)}, nil); err != nil {
		return fmt.Errorf("failed to set timeout: %w", err)
	}
	return nil
}

// Kill terminates the sandbox. A sandbox that is already gone counts as killed.
func (s *remoteSandbox) Kill(ctx context.Context) error {
	err := s.remote.controlPlaneCall(ctx, s.cred, http.MethodDelete, s.controlPath(), nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			s.remote.logger.Debug("sandbox already gone", zap.String("sandbox_id", s.id))
			return nil
		}
		return fmt.Errorf("failed to kill sandbox: %w", err)
	}
	s.remote.logger.Info("sandbox killed", zap.String("sandbox_id", s.id))
	return nil
}

type proxyRequest struct {
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	Protocol string `json:"protocol"`
}

type proxyResponse struct {
	URL string `json:"url"`
}

func (s *remoteSandbox) StartProxy(ctx context.Context, port int, hostname, protocol string) (string, error) {
	var resp proxyResponse
	req := proxyRequest{Port: port, Hostname: hostname, Protocol: protocol}
	if err := s.remote.doJSON(ctx, http.MethodPost, s.envdURL()+"/network/proxy", s.envdHeaders(), req, &resp); err != nil {
		return "", fmt.Errorf("failed to start proxy on port %d: %w", port, err)
	}
	if resp.URL == "" {
		resp.URL = fmt.Sprintf("https://%d-%s.%s", port, s.id, s.domain)
	}
	return resp.URL, nil
}

type executeRequest struct {
	Code      string `json:"code"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type processRequest struct {
	Cmd  string            `json:"cmd"`
	Envs map[string]string `json:"envs,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
}

func (s *remoteSandbox) RunCode(ctx context.Context, code string, timeout time.Duration) (Stream, error) {
	return s.openStream(ctx, "/execute", executeRequest{Code: code, TimeoutMs: timeout.Milliseconds()})
}

func (s *remoteSandbox) StartProcess(ctx context.Context, spec ProcessSpec) (Stream, error) {
	return s.openStream(ctx, "/process", processRequest{Cmd: spec.Cmd, Envs: spec.Env, Cwd: spec.Cwd})
}

// openStream dials an envd websocket endpoint and sends the start request.
func (s *remoteSandbox) openStream(ctx context.Context, path string, start any) (Stream, error) {
	// The dialer bounds the handshake with ctx and rejects clients that carry a Timeout.
	client := *s.remote.httpClient
	client.Timeout = 0
	conn, _, err := websocket.Dial(ctx, websocketURL(s.envdURL()+path), &websocket.DialOptions{
		HTTPClient: &client,
		HTTPHeader: s.envdHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", path, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	payload, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("failed to send start request: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

func (s *remoteSandbox) envdURL() string {
	if s.remote.config.EnvdURL != "" {
		return strings.TrimRight(s.remote.config.EnvdURL, "/")
	}
	return fmt.Sprintf("https://%d-%s.%s", s.remote.config.EnvdPort, s.id, s.domain)
}

func (s *remoteSandbox) envdHeaders() http.Header {
	h := http.Header{}
	if s.accessToken != "" {
		h.Set("X-Access-Token", s.accessToken)
	}
	h.Set("X-Sandbox-ID", s.id)
	return h
}

func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
