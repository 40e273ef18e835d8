// Package session manages session workspaces and per-session execution slots.
//
// A session is created lazily the first time a task or upload names it and
// lives until Terminate. Terminate first takes the session's execution slot,
// so a running task always finishes before its workspace disappears.
//
// Usage:
//
//	slots := session.NewSlots(logger, cfg, redisClient)
//	mgr := session.NewManager(logger, cfg, backend, slots)
//	sess, err := mgr.ResolveOrCreate(ctx, "s1")
//	existed, err := mgr.Terminate(ctx, "s1")
package session
