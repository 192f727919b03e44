// Package provider talks to the remote sandbox provider.
//
// A Provider creates sandboxes and reattaches to existing ones by ID. The
// returned Sandbox handle is the capability surface of one remote sandbox:
// liveness checks, timeout control, termination, code execution, process
// spawning and network proxies.
//
// Output produced inside a sandbox arrives as a Stream of normalized Events.
// Providers deliver frames in several shapes; Normalize is the single place
// where those shapes are converted into the Event union.
//
// Two backends are available: Remote, which speaks the hosted control plane
// and envd data plane APIs, and Local, which runs processes on the host and
// is intended for development only.
//
// Usage:
//
//	p, err := provider.New(logger, &provider.Config{Backend: provider.BackendRemote, APIKey: key})
//	sbx, err := p.Create(ctx, provider.Credential{}, provider.CreateOptions{Template: "code-interpreter-v1"})
//	stream, err := sbx.RunCode(ctx, "print('hi')", time.Minute)
package provider
