package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/deploy"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/stream"
)

// Tool names
const (
	ToolCreateSandbox          = "create_sandbox"
	ToolRunCode                = "run_code"
	ToolDeployMCPServer        = "deploy_mcp_server"
	ToolGetMCPServerStatus     = "get_mcp_server_status"
	ToolStopMCPServer          = "stop_mcp_server"
	ToolExtendMCPServerTimeout = "extend_mcp_server_timeout"
	ToolListMCPServerTools     = "list_mcp_server_tools"
	ToolReleaseSandbox         = "release_sandbox"
	ToolListSandboxes          = "list_sandboxes"
	ToolCleanupAllSandboxes    = "cleanup_all_sandboxes"
	ToolGetSandboxStats        = "get_sandbox_stats"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

// credentialProps are accepted by every tool that reaches the provider
func credentialProps(props map[string]any) map[string]any {
	props["api_key"] = stringProp("Provider API key; the server's configured key is used when omitted")
	props["owner"] = stringProp("Owner recorded on sandboxes created for this call")
	return props
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolCreateSandbox,
		Description: "Create a sandbox for code execution",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: credentialProps(map[string]any{
				"template":    stringProp("Sandbox template; defaults to the configured template"),
				"timeout_sec": numberProp("Seconds until the provider reclaims the sandbox"),
				"keep_alive":  map[string]any{"type": "boolean", "description": "Keep extending the sandbox timeout while it is running"},
			}),
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolRunCode,
		Description: "Run code in a sandbox, streaming output to a connected client",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: credentialProps(map[string]any{
				"sandbox_id":  stringProp("Sandbox to run in; a new code-exec sandbox is created when omitted"),
				"code":        stringProp("Code or shell command to run"),
				"client_id":   stringProp("Output hub client that receives the live stream"),
				"timeout_sec": numberProp("Run timeout in seconds"),
			}),
			Required: []string{"code"},
		},
	}, s.handleRunCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolDeployMCPServer,
		Description: "Deploy an MCP server into a new sandbox and return its public URL",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: credentialProps(map[string]any{
				"name":            stringProp("Catalog entry to deploy"),
				"title":           stringProp("Display name of the server"),
				"start_command":   stringProp("Command that starts the server over stdio"),
				"install_command": stringProp("Command run once before the server starts"),
				"template":        stringProp("Sandbox template"),
				"timeout_sec":     numberProp("Sandbox timeout in seconds"),
				"env": map[string]any{
					"type":                 "object",
					"description":          "Environment variables for the server",
					"additionalProperties": map[string]any{"type": "string"},
				},
			}),
		},
	}, s.handleDeployMCPServer)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolGetMCPServerStatus,
		Description: "Report the state and URL of a deployed MCP server",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: credentialProps(map[string]any{"sandbox_id": stringProp("Sandbox hosting the server")}),
			Required:   []string{"sandbox_id"},
		},
	}, s.handleGetMCPServerStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolStopMCPServer,
		Description: "Stop a deployed MCP server and release its sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: credentialProps(map[string]any{"sandbox_id": stringProp("Sandbox hosting the server")}),
			Required:   []string{"sandbox_id"},
		},
	}, s.handleStopMCPServer)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolExtendMCPServerTimeout,
		Description: "Extend the timeout of the sandbox hosting an MCP server",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: credentialProps(map[string]any{
				"sandbox_id":  stringProp("Sandbox hosting the server"),
				"timeout_sec": numberProp("New timeout in seconds, counted from now"),
			}),
			Required: []string{"sandbox_id", "timeout_sec"},
		},
	}, s.handleExtendMCPServerTimeout)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolListMCPServerTools,
		Description: "List the tools offered by a deployed MCP server",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: credentialProps(map[string]any{"sandbox_id": stringProp("Sandbox hosting the server")}),
			Required:   []string{"sandbox_id"},
		},
	}, s.handleListMCPServerTools)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolReleaseSandbox,
		Description: "Release a sandbox tracked by this server",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": stringProp("Sandbox to release")},
			Required:   []string{"sandbox_id"},
		},
	}, s.handleReleaseSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolListSandboxes,
		Description: "List the sandboxes tracked by this server",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleListSandboxes)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolCleanupAllSandboxes,
		Description: "Release every sandbox tracked by this server",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleCleanupAllSandboxes)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolGetSandboxStats,
		Description: "Count tracked sandboxes by status and purpose",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetSandboxStats)
}

func credentialFrom(request mcp.CallToolRequest) provider.Credential {
	return provider.Credential{
		APIKey: request.GetString("api_key", ""),
		Owner:  request.GetString("owner", ""),
	}
}

func secondsArg(request mcp.CallToolRequest, name string) time.Duration {
	return time.Duration(request.GetFloat(name, 0) * float64(time.Second))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cred := credentialFrom(request)
	_, id, err := s.manager.CreateSandbox(ctx, cred, sandbox.PurposeCodeExec,
		sandbox.WithTemplate(request.GetString("template", "")),
		sandbox.WithTimeout(secondsArg(request, "timeout_sec")))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create sandbox: %v", err)), nil
	}
	if request.GetBool("keep_alive", false) {
		s.manager.SetupKeepAlive(id, 0)
	}

	record, _ := s.manager.GetSandbox(id)
	return jsonResult(record)
}

// runOutput mirrors a run to the hub while collecting it for the tool result.
type runOutput struct {
	forward stream.Output

	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	result   *stream.ResultPayload
	errorMsg string
}

func (o *runOutput) Deliver(msg stream.Message) {
	if o.forward != nil {
		o.forward.Deliver(msg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch p := msg.Payload.(type) {
	case stream.OutputPayload:
		if msg.Type == stream.TypeStderr {
			o.stderr.WriteString(p.Text)
			o.stderr.WriteByte('\n')
		} else {
			o.stdout.WriteString(p.Text)
			o.stdout.WriteByte('\n')
		}
	case stream.ResultPayload:
		o.result = &p
	case stream.ErrorPayload:
		o.errorMsg = p.Message
	}
}

type runResult struct {
	ExecutionID string                `json:"executionId"`
	SandboxID   string                `json:"sandboxId"`
	Stdout      string                `json:"stdout"`
	Stderr      string                `json:"stderr"`
	Result      *stream.ResultPayload `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("code parameter is required: %v", err)), nil
	}
	cred := credentialFrom(request)

	sandboxID := request.GetString("sandbox_id", "")
	if sandboxID == "" {
		_, sandboxID, err = s.manager.CreateSandbox(ctx, cred, sandbox.PurposeCodeExec)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create sandbox: %v", err)), nil
		}
	}

	out := &runOutput{}
	if clientID := request.GetString("client_id", ""); clientID != "" {
		out.forward = s.hub.Channel(clientID)
	}

	s.logger.Info("code execution requested",
		zap.String("sandbox_id", sandboxID),
		zap.Int("code_len", len(code)))

	executionID, runErr := s.coordinator.RunAndStream(ctx, sandboxID, code, out, secondsArg(request, "timeout_sec"),
		stream.WithCredential(cred))

	out.mu.Lock()
	res := runResult{
		ExecutionID: executionID,
		SandboxID:   sandboxID,
		Stdout:      out.stdout.String(),
		Stderr:      out.stderr.String(),
		Result:      out.result,
		Error:       out.errorMsg,
	}
	out.mu.Unlock()

	result, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	result.IsError = runErr != nil
	return result, nil
}

func (s *MCPServer) descriptorFrom(request mcp.CallToolRequest) (deploy.Descriptor, error) {
	var desc deploy.Descriptor
	if name := request.GetString("name", ""); name != "" {
		found, ok := s.catalog.Lookup(name)
		if !ok {
			return desc, fmt.Errorf("%w: unknown server %q", deploy.ErrInvalidDescriptor, name)
		}
		desc = found
	}

	if v := request.GetString("title", ""); v != "" {
		desc.Title = v
	}
	if v := request.GetString("start_command", ""); v != "" {
		desc.StartCommand = v
	}
	if v := request.GetString("install_command", ""); v != "" {
		desc.InstallCommand = v
	}
	if v := request.GetString("template", ""); v != "" {
		desc.Template = v
	}
	if d := secondsArg(request, "timeout_sec"); d > 0 {
		desc.DefaultTimeout = d
	}
	if desc.Title == "" {
		desc.Title = desc.Name
	}
	return desc, nil
}

func envArg(request mcp.CallToolRequest) map[string]string {
	raw, ok := request.GetArguments()["env"].(map[string]any)
	if !ok {
		return nil
	}
	env := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			env[k] = str
		} else {
			env[k] = fmt.Sprint(v)
		}
	}
	return env
}

func (s *MCPServer) handleDeployMCPServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc, err := s.descriptorFrom(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.deployer.DeployServer(ctx, credentialFrom(request), desc, envArg(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deployment failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *MCPServer) handleGetMCPServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox_id parameter is required: %v", err)), nil
	}
	return jsonResult(s.deployer.GetStatus(ctx, id, credentialFrom(request)))
}

func (s *MCPServer) handleStopMCPServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox_id parameter is required: %v", err)), nil
	}
	if err := s.deployer.Stop(ctx, id, credentialFrom(request)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop server: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stopped MCP server in sandbox %s", id)), nil
}

func (s *MCPServer) handleExtendMCPServerTimeout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox_id parameter is required: %v", err)), nil
	}
	timeout := secondsArg(request, "timeout_sec")
	if err := s.deployer.ExtendTimeout(ctx, id, credentialFrom(request), timeout); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to extend timeout: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Sandbox %s will now expire in %s", id, timeout)), nil
}

func (s *MCPServer) handleListMCPServerTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox_id parameter is required: %v", err)), nil
	}
	tools, err := s.deployer.ListServerTools(ctx, id, credentialFrom(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list server tools: %v", err)), nil
	}
	return jsonResult(tools)
}

func (s *MCPServer) handleReleaseSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox_id parameter is required: %v", err)), nil
	}
	s.manager.ReleaseSandbox(ctx, id)
	return mcp.NewToolResultText(fmt.Sprintf("Released sandbox %s", id)), nil
}

func (s *MCPServer) handleListSandboxes(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.manager.ListSandboxes())
}

func (s *MCPServer) handleCleanupAllSandboxes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := s.manager.CleanupAllSandboxes(ctx)
	return mcp.NewToolResultText(fmt.Sprintf("Released %d sandboxes", n)), nil
}

func (s *MCPServer) handleGetSandboxStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.manager.GetStats())
}
