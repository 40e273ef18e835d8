// Package task defines the task record shared by the coordinator, the
// sandbox executor and the status backends.
//
// A task is one unit of asynchronous work, either an install or an
// execute, moving from queued through running to success or failed.
// Terminal records are never rewritten. The package also holds the error
// taxonomy used across the engine and the validation of client-supplied
// session ids and package lists.
package task
