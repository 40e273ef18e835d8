package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

// Tasks is the task surface exposed as tools
type Tasks interface {
	SubmitInstall(ctx context.Context, sessionID string, packages []string) (string, error)
	SubmitExecute(ctx context.Context, sessionID, code string, env map[string]string) (string, error)
	Status(ctx context.Context, taskID string) (task.Task, error)
}

// Sessions is the workspace surface exposed as tools
type Sessions interface {
	WriteFile(ctx context.Context, sessionID, relPath string, data []byte) error
	Terminate(ctx context.Context, sessionID string) (bool, error)
}

// pollInterval is how often a waiting tool call re-reads the task record
const pollInterval = 100 * time.Millisecond

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	tasks     Tasks
	sessions  Sessions
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, tasks Tasks, sessions Sessions) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		tasks:    tasks,
		sessions: sessions,
	}

	// Log configuration parameters on startup
	s.logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.runtime", cfg.Sandbox.Runtime),
		zap.String("sandbox.base_image", cfg.Sandbox.BaseImage),
		zap.Int("sandbox.execute_timeout_sec", cfg.Sandbox.ExecuteTimeoutSec),
		zap.Int("sandbox.install_timeout_sec", cfg.Sandbox.InstallTimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.String("status.backend", cfg.StatusBackend()),
		zap.String("storage.backend", cfg.StorageBackend()),
		zap.Int("coordinator.workers", cfg.Coordinator.Workers),
	)

	s.mcpServer = server.NewMCPServer("pyexec", "Python execution sessions in disposable sandboxes")
	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	sessionProp := map[string]any{
		"type":        "string",
		"description": "Session identifier; the workspace is created on first use",
	}
	waitProp := map[string]any{
		"type":        "boolean",
		"description": "Wait for the task to finish and return its record (default true)",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "install_packages",
		Description: "Install Python packages into the session's virtual environment",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionProp,
				"packages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Requirement specifiers, e.g. pandas or numpy==1.26.4",
				},
				"wait": waitProp,
			},
			Required: []string{"session_id", "packages"},
		},
	}, s.handleInstall)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_code",
		Description: "Execute Python code in the session workspace with no network access",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionProp,
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code",
				},
				"env": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
					"description":          "Extra environment variables",
				},
				"wait": waitProp,
			},
			Required: []string{"session_id", "code"},
		},
	}, s.handleExecute)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "task_status",
		Description: "Return the record of an install or execute task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{"type": "string"},
			},
			Required: []string{"task_id"},
		},
	}, s.handleStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_file",
		Description: "Store a file in the session workspace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionProp,
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root",
				},
				"content_base64": map[string]any{
					"type":        "string",
					"description": "Base64-encoded file content",
				},
			},
			Required: []string{"session_id", "path", "content_base64"},
		},
	}, s.handleUpload)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "terminate_session",
		Description: "Delete the session workspace once its running task has finished",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleTerminate)
}

func (s *MCPServer) handleInstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	packages, err := stringSlice(request.GetArguments()["packages"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := s.tasks.SubmitInstall(ctx, sessionID, packages)
	if err != nil {
		return s.failed("install_packages", err), nil
	}
	return s.result(ctx, id, request.GetBool("wait", true))
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := stringMap(request.GetArguments()["env"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := s.tasks.SubmitExecute(ctx, sessionID, code, env)
	if err != nil {
		return s.failed("execute_code", err), nil
	}
	return s.result(ctx, id, request.GetBool("wait", true))
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.result(ctx, id, false)
}

func (s *MCPServer) handleUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rel, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encoded, err := request.RequireString("content_base64")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decode content_base64: %v", err)), nil
	}
	if limit := s.config.Server.MaxUploadMB << 20; limit > 0 && len(data) > limit {
		return mcp.NewToolResultError(fmt.Sprintf("file exceeds %d MB", s.config.Server.MaxUploadMB)), nil
	}

	if err := s.sessions.WriteFile(ctx, sessionID, rel, data); err != nil {
		return s.failed("upload_file", err), nil
	}
	return jsonResult(map[string]any{"session_id": sessionID, "path": rel, "bytes": len(data)})
}

func (s *MCPServer) handleTerminate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	existed, err := s.sessions.Terminate(ctx, sessionID)
	if err != nil {
		return s.failed("terminate_session", err), nil
	}
	return jsonResult(map[string]any{"session_id": sessionID, "existed": existed})
}

// result returns the task record, first polling until it is terminal when wait is set
func (s *MCPServer) result(ctx context.Context, id string, wait bool) (*mcp.CallToolResult, error) {
	rec, err := s.tasks.Status(ctx, id)
	if wait {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for err == nil && !rec.State.Terminal() {
			select {
			case <-ctx.Done():
				return mcp.NewToolResultError(fmt.Sprintf("stopped waiting for task %s: %v", id, ctx.Err())), nil
			case <-ticker.C:
			}
			rec, err = s.tasks.Status(ctx, id)
		}
	}
	if err != nil {
		return s.failed("task_status", err), nil
	}
	res, err := jsonResult(rec)
	if err != nil {
		return nil, err
	}
	res.IsError = rec.State == task.StateFailed
	return res, nil
}

func (s *MCPServer) failed(tool string, err error) *mcp.CallToolResult {
	if errors.Is(err, task.ErrNotFound) ||
		errors.Is(err, task.ErrInvalidSessionID) ||
		errors.Is(err, task.ErrInvalidPath) ||
		errors.Is(err, task.ErrInvalidPackages) ||
		errors.Is(err, task.ErrInvalidRequest) ||
		errors.Is(err, task.ErrQueueFull) {
		s.logger.Debug("tool call rejected", zap.String("tool", tool), zap.Error(err))
	} else {
		s.logger.Error("tool call failed", zap.String("tool", tool), zap.Error(err))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func stringSlice(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("packages must be an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.New("packages must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("env must be an object of strings")
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("env value for %s must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}
