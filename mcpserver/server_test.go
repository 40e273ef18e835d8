package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

// mockTasks finishes every task after a fixed number of status reads
type mockTasks struct {
	mu        sync.Mutex
	records   map[string]task.Task
	reads     map[string]int
	finishAt  int
	outcome   task.Outcome
	state     task.State
	lastEnv   map[string]string
	lastPkgs  []string
	submitErr error
}

func newMockTasks() *mockTasks {
	return &mockTasks{
		records:  map[string]task.Task{},
		reads:    map[string]int{},
		finishAt: 2,
		state:    task.StateSuccess,
		outcome:  task.Outcome{Output: "2\n", ExitCode: task.IntPtr(0)},
	}
}

func (m *mockTasks) submit(id string, kind task.Kind, sessionID string) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if err := task.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	m.records[id] = task.New(id, kind, sessionID, time.Now())
	return id, nil
}

func (m *mockTasks) SubmitInstall(_ context.Context, sessionID string, packages []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPkgs = packages
	return m.submit(task.InstallID(sessionID), task.KindInstall, sessionID)
}

func (m *mockTasks) SubmitExecute(_ context.Context, sessionID, _ string, env map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEnv = env
	return m.submit("exec-"+sessionID+"-0123456789ab", task.KindExecute, sessionID)
}

func (m *mockTasks) Status(_ context.Context, taskID string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	m.reads[taskID]++
	if m.reads[taskID] >= m.finishAt && !rec.State.Terminal() {
		rec = rec.Running(time.Now()).Finished(m.state, m.outcome, time.Now())
		m.records[taskID] = rec
	}
	return rec, nil
}

type mockSessions struct {
	files      map[string][]byte
	terminated []string
}

func (m *mockSessions) WriteFile(_ context.Context, sessionID, relPath string, data []byte) error {
	if relPath == "../escape" {
		return task.ErrInvalidPath
	}
	m.files[sessionID+"/"+relPath] = data
	return nil
}

func (m *mockSessions) Terminate(_ context.Context, sessionID string) (bool, error) {
	m.terminated = append(m.terminated, sessionID)
	return len(m.terminated) == 1, nil
}

func newTestServer(t *testing.T) (*MCPServer, *mockTasks, *mockSessions) {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080, MaxUploadMB: 1},
		Sandbox: config.SandboxConfig{Runtime: "docker", ExecuteTimeoutSec: 30, MemoryMB: 256},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
	tasks := newMockTasks()
	sessions := &mockSessions{files: map[string][]byte{}}
	server, err := New(cfg, zaptest.NewLogger(t), tasks, sessions)
	require.NoError(t, err)
	return server, tasks, sessions
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func resultRecord(t *testing.T, res *mcp.CallToolResult) task.Task {
	t.Helper()
	var rec task.Task
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rec))
	return rec
}

func TestNewMCPServer(t *testing.T) {
	server, tasks, sessions := newTestServer(t)
	assert.NotNil(t, server.mcpServer)
	assert.Equal(t, tasks, server.tasks)
	assert.Equal(t, sessions, server.sessions)
	assert.NoError(t, server.Shutdown(context.Background()))
}

func TestExecuteCode(t *testing.T) {
	ctx := context.Background()

	t.Run("WaitsForResult", func(t *testing.T) {
		server, tasks, _ := newTestServer(t)
		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{
			"session_id": "s1",
			"code":       "print(1+1)",
			"env":        map[string]any{"GREETING": "hi"},
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		rec := resultRecord(t, res)
		assert.Equal(t, task.StateSuccess, rec.State)
		assert.Equal(t, "2\n", rec.Output)
		assert.Equal(t, map[string]string{"GREETING": "hi"}, tasks.lastEnv)
	})

	t.Run("NoWait", func(t *testing.T) {
		server, _, _ := newTestServer(t)
		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{
			"session_id": "s1",
			"code":       "print(1+1)",
			"wait":       false,
		}))
		require.NoError(t, err)
		assert.Equal(t, task.StateQueued, resultRecord(t, res).State)
	})

	t.Run("FailedTaskIsError", func(t *testing.T) {
		server, tasks, _ := newTestServer(t)
		tasks.state = task.StateFailed
		tasks.outcome = task.Outcome{ErrorOutput: "Traceback", ExitCode: task.IntPtr(1), Reason: task.ReasonNonZeroExit}

		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{"session_id": "s1", "code": "raise"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, task.ReasonNonZeroExit, resultRecord(t, res).Reason)
	})

	t.Run("MissingCode", func(t *testing.T) {
		server, _, _ := newTestServer(t)
		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{"session_id": "s1"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("InvalidEnv", func(t *testing.T) {
		server, _, _ := newTestServer(t)
		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{
			"session_id": "s1",
			"code":       "print(1)",
			"env":        map[string]any{"N": 1},
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("InvalidSession", func(t *testing.T) {
		server, _, _ := newTestServer(t)
		res, err := server.handleExecute(ctx, callRequest("execute_code", map[string]any{"session_id": "../x", "code": "print(1)"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "invalid session id")
	})

	t.Run("CancelledWait", func(t *testing.T) {
		server, tasks, _ := newTestServer(t)
		tasks.finishAt = 1 << 30
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		res, err := server.handleExecute(cctx, callRequest("execute_code", map[string]any{"session_id": "s1", "code": "print(1)"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "stopped waiting")
	})
}

func TestInstallPackages(t *testing.T) {
	ctx := context.Background()
	server, tasks, _ := newTestServer(t)

	res, err := server.handleInstall(ctx, callRequest("install_packages", map[string]any{
		"session_id": "s1",
		"packages":   []any{"pandas", "numpy==1.26.4"},
	}))
	require.NoError(t, err)
	rec := resultRecord(t, res)
	assert.Equal(t, "install-s1", rec.ID)
	assert.Equal(t, task.StateSuccess, rec.State)
	assert.Equal(t, []string{"pandas", "numpy==1.26.4"}, tasks.lastPkgs)

	res, err = server.handleInstall(ctx, callRequest("install_packages", map[string]any{
		"session_id": "s1",
		"packages":   "pandas",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTaskStatus(t *testing.T) {
	ctx := context.Background()
	server, _, _ := newTestServer(t)

	res, err := server.handleStatus(ctx, callRequest("task_status", map[string]any{"task_id": "exec-s1-ffffffffffff"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "task not found")

	_, err = server.handleExecute(ctx, callRequest("execute_code", map[string]any{"session_id": "s1", "code": "print(1)", "wait": false}))
	require.NoError(t, err)
	res, err = server.handleStatus(ctx, callRequest("task_status", map[string]any{"task_id": "exec-s1-0123456789ab"}))
	require.NoError(t, err)
	assert.Equal(t, "exec-s1-0123456789ab", resultRecord(t, res).ID)
}

func TestUploadFile(t *testing.T) {
	ctx := context.Background()
	server, _, sessions := newTestServer(t)

	res, err := server.handleUpload(ctx, callRequest("upload_file", map[string]any{
		"session_id":     "s1",
		"path":           "data/in.txt",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("hello")),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []byte("hello"), sessions.files["s1/data/in.txt"])

	res, err = server.handleUpload(ctx, callRequest("upload_file", map[string]any{
		"session_id":     "s1",
		"path":           "x",
		"content_base64": "%%%",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = server.handleUpload(ctx, callRequest("upload_file", map[string]any{
		"session_id":     "s1",
		"path":           "../escape",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("x")),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = server.handleUpload(ctx, callRequest("upload_file", map[string]any{
		"session_id":     "s1",
		"path":           "big.bin",
		"content_base64": base64.StdEncoding.EncodeToString(make([]byte, 1<<20+1)),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTerminateSession(t *testing.T) {
	ctx := context.Background()
	server, _, sessions := newTestServer(t)

	res, err := server.handleTerminate(ctx, callRequest("terminate_session", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","existed":true}`, resultText(t, res))

	res, err = server.handleTerminate(ctx, callRequest("terminate_session", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","existed":false}`, resultText(t, res))
	assert.Equal(t, []string{"s1", "s1"}, sessions.terminated)
}
