// Package main is the entry point for the pyexec server.
//
// The server accepts install and execute tasks for per-session Python
// workspaces and runs each one in a disposable sandbox. Tasks are exposed
// over a REST API (transport "http") or as MCP tools over stdio or
// streamable HTTP (transports "stdio" and "mcp-http").
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
