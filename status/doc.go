// Package status provides the task status backends.
//
// MemoryBackend serves a single process; RedisBackend lets a fleet of
// instances share task state. Both implement the same compare-and-set so
// at most one terminal write lands per task, and both expire records after
// status.record_ttl_sec.
//
// Usage:
//
//	client, err := status.OpenRedis(cfg.Status.RedisURL)
//	backend, err := status.New(logger, cfg, client)
//	ok, err := backend.CompareAndSet(ctx, id, task.StateRunning, done)
package status
