// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox orchestrator as MCP tools using
// the mark3labs/mcp-go library: creating and releasing sandboxes, running
// code with live output delivered through the output hub, and deploying,
// inspecting and stopping MCP servers inside sandboxes.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration. Over HTTP one mux serves the streamable MCP
// endpoint, the output hub websocket and the Prometheus metrics.
//
// Usage:
//
//	server, err := mcpserver.New(mcpserver.Params{...})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx) // or server.ListenAndServe()
package mcpserver
