// Package storage provides the per-session workspace storage backends.
//
// Each session owns one namespace keyed by its id. LocalBackend keeps the
// namespace as a directory under BASE_SESSION_PATH; S3Backend keeps it as an
// object prefix in one bucket and materializes it into the local mount before
// a sandbox runs. Relative paths are validated with CleanPath.
//
// Usage:
//
//	backend, err := storage.New(ctx, logger, cfg)
//	err = backend.WriteFile(ctx, "s1", "data/input.csv", data)
//	err = backend.RemoveTree(ctx, "s1")
package storage
