// Package executor runs install and execute tasks in disposable sandboxes.
//
// An install task creates the session virtualenv when it is missing and then
// runs pip inside it, with network access. An execute task runs the submitted
// code with the network disabled and a hard memory ceiling. Every sandbox is
// removed before Run returns, whatever the outcome; a removal that still
// fails after retries is logged as task.ErrTeardown and never changes the
// reported outcome.
//
// Usage:
//
//	exec := executor.New(logger, cfg, runtime, sessions)
//	out, err := exec.Run(ctx, t, task.Request{Code: "print(1+1)"})
package executor
