// Package sandbox tracks remote sandboxes and owns their lifecycle.
//
// The Manager keeps an in-memory Registry of every sandbox this process
// created or reattached to. It provisions sandboxes through a
// provider.Provider, records their liveness, extends their remote timeout
// with keep-alive tasks, reclaims idle ones on a schedule and terminates them
// on release or shutdown. Sandboxes missing from the registry, for example
// after a restart, are reattached on demand by Resolve.
//
// Usage:
//
//	manager := sandbox.NewManager(logger, p, &sandbox.Config{
//	    DefaultTemplate: "code-interpreter-v1",
//	    IdleTimeout:     10 * time.Minute,
//	    SweepInterval:   time.Minute,
//	})
//	if err := manager.Start(ctx); err != nil {
//	    return err
//	}
//	defer manager.Stop(ctx)
//
//	handle, id, err := manager.CreateSandbox(ctx, cred, sandbox.PurposeCodeExec)
package sandbox
