// Package stream runs code inside a sandbox and forwards its output, as it
// is produced, to a single addressed consumer.
//
// Every run gets a fresh execution ID. The consumer receives, in order, a
// "starting" status, the stdout and stderr lines in provider order, a result
// and a "completed" status. A failed run ends with an error message followed
// by an "error" status instead of the result.
//
// Usage:
//
//	coordinator := stream.NewCoordinator(logger, manager, &stream.Config{
//	    DefaultTimeout: time.Minute,
//	})
//	executionID, err := coordinator.RunAndStream(ctx, sandboxID, "print('hi')", out, 0)
package stream
