// Package coordinator accepts install and execute submissions and runs them
// on a bounded worker pool.
//
// Every task is recorded in the status backend before it is queued and moves
// queued, running, then success or failed. Transitions are compare-and-set
// writes, so a terminal record is written at most once even when several
// instances share a Redis status backend. A worker runs a task only while it
// holds the session's execution slot; when the slot is taken the task goes
// back to the queue after an exponential backoff delay instead of blocking
// the worker.
//
// Install task ids are derived from the session id, so a second install
// submitted while the first is still queued or running returns the same id.
//
// Usage:
//
//	c := coordinator.New(logger, cfg, statusBackend, sessions, exec, tel)
//	c.Start()
//	defer c.Stop(ctx)
//	id, err := c.SubmitExecute(ctx, "s1", "print(1+1)", nil)
//	rec, err := c.Status(ctx, id)
package coordinator
