// Package main is the entry point for the sandboxd MCP server.
//
// sandboxd provisions remote code sandboxes, keeps them alive while they are
// in use and reclaims idle ones, streams code execution output to websocket
// clients, and deploys MCP servers into sandboxes behind a public URL. The
// server supports both stdio and HTTP transports.
//
// The application uses cobra for the command line, Uber's fx framework for
// dependency injection and lifecycle management, zap for structured logging
// and viper for configuration.
package main
