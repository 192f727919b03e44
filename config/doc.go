// Package config provides application configuration management.
//
// The config package loads the configuration from a YAML file with viper,
// fills in defaults for every key and applies environment overrides prefixed
// with SANDBOXD_ (SANDBOXD_PROVIDER_API_KEY overrides provider.api_key). It
// covers the server transport, logging, the sandbox provider, sandbox
// lifecycle, code execution, the output hub and MCP server deployment.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
