// Package janitor runs periodic maintenance on a cron schedule.
//
// Each pass terminates sessions idle for longer than
// janitor.session_idle_ttl_sec (disabled at 0), drops expired task records
// from backends that do not expire them on their own, and removes managed
// sandboxes left behind by a crashed process.
package janitor
