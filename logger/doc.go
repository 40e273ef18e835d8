// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Each engine component receives a named child logger
// so log lines can be filtered by component.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Named("coordinator").Info("worker pool started", zap.Int("workers", 4))
package logger
