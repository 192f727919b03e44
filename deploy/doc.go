// Package deploy runs long-lived MCP servers inside sandboxes.
//
// A Deployer provisions a sandbox through the sandbox.Manager, installs a
// bridge that exposes the server's stdio transport over streamable HTTP,
// launches the server behind it and polls the sandbox proxy until the bridge
// answers its health check. Deployments that never become ready are torn
// down.
//
// Descriptors can be passed inline or loaded by name from a YAML catalog:
//
//	servers:
//	  - name: filesystem
//	    title: Filesystem
//	    startCommand: npx -y @modelcontextprotocol/server-filesystem /home/user
//	    defaultTimeout: 30m
//	  - name: github
//	    title: GitHub
//	    startCommand: npx -y @modelcontextprotocol/server-github
//	    requiredEnv: [GITHUB_PERSONAL_ACCESS_TOKEN]
package deploy
