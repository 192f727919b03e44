package deploy

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/provider"
)

// clientName identifies this process to deployed servers
const clientName = "sandboxd"

// ServerTool is a tool advertised by a deployed server
type ServerTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListServerTools connects to the deployment in sandbox id over streamable
// HTTP and returns the tools it advertises.
func (d *Deployer) ListServerTools(ctx context.Context, id string, cred provider.Credential) ([]ServerTool, error) {
	handle, err := d.manager.Resolve(ctx, id, cred)
	if err != nil {
		return nil, err
	}
	if !d.manager.IsSandboxRunning(ctx, id) {
		return nil, fmt.Errorf("sandbox %s is not running", id)
	}
	url := d.serverURL(ctx, handle)
	if url == "" {
		return nil, fmt.Errorf("no public URL for sandbox %s", id)
	}

	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %s: %w", url, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			d.logger.Debug("closing MCP client", zap.String("sandbox_id", id), zap.Error(err))
		}
	}()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MCP client for %s: %w", url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %s: %w", url, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %s: %w", url, err)
	}
	d.manager.UpdateLastUsed(id)

	tools := make([]ServerTool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ServerTool{Name: t.Name, Description: t.Description})
	}
	d.logger.Debug("listed server tools", zap.String("sandbox_id", id), zap.Int("tools", len(tools)))
	return tools, nil
}
