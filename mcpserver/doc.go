// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the engine as MCP tools using the
// mark3labs/mcp-go library: install_packages, execute_code, task_status,
// upload_file and terminate_session. Submitting tools wait for the task to
// finish by default and return the task record as JSON; pass "wait": false
// to get the queued record back immediately.
//
// The server supports both stdio and streamable HTTP transports as
// configured by server.transport.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, coordinator, sessions)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
