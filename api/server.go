package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
	"github.com/isdmx/pyexec/telemetry"
)

// Tasks is the task submission surface the gateway needs
type Tasks interface {
	SubmitInstall(ctx context.Context, sessionID string, packages []string) (string, error)
	SubmitExecute(ctx context.Context, sessionID, code string, env map[string]string) (string, error)
	Status(ctx context.Context, taskID string) (task.Task, error)
}

// Sessions is the workspace surface the gateway needs
type Sessions interface {
	StorageName() string
	WriteFile(ctx context.Context, sessionID, relPath string, data []byte) error
	ReadFile(ctx context.Context, sessionID, relPath string) ([]byte, error)
	DownloadURL(ctx context.Context, sessionID, relPath string) (string, bool, error)
	Terminate(ctx context.Context, sessionID string) (bool, error)
}

const internalErrorMessage = "An unexpected internal server error occurred."

// Server is the REST gateway
type Server struct {
	logger   *zap.Logger
	cfg      config.ServerConfig
	tasks    Tasks
	sessions Sessions
	tracer   trace.Tracer
	router   *httprouter.Router
	server   *http.Server
}

// New creates the gateway and registers its routes
func New(logger *zap.Logger, cfg *config.Config, tasks Tasks, sessions Sessions, tel *telemetry.Provider) *Server {
	if tel == nil {
		tel = telemetry.Noop()
	}
	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg.Server,
		tasks:    tasks,
		sessions: sessions,
		tracer:   tel.Tracer,
		router:   httprouter.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/install", s.handleInstall)
	s.router.POST("/execute", s.handleExecute)
	s.router.GET("/status/:task_type/:task_id", s.handleStatus)

	s.router.POST("/upload", s.handleUpload)
	s.router.GET("/download", s.handleDownload)
	s.router.POST("/terminate", s.handleTerminate)

	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("handler panic", zap.String("path", r.URL.Path), zap.Any("panic", v))
		writeDetail(w, http.StatusInternalServerError, internalErrorMessage)
	}
}

// Handler returns the router wrapped with authentication and tracing
func (s *Server) Handler() http.Handler {
	return s.traced(s.authenticated(s.router))
}

// Start listens on server.http_port and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	s.logger.Info("starting REST API on HTTP", zap.Int("port", s.cfg.HTTPPort))
	return nil
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// authenticated rejects requests without the configured API key. Health
// checks are exempt.
func (s *Server) authenticated(next http.Handler) http.Handler {
	want := []byte(s.cfg.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get(s.cfg.APIKeyName))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			writeDetail(w, http.StatusForbidden, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type installRequest struct {
	SessionID string   `json:"session_id"`
	Packages  []string `json:"packages"`
}

type executeRequest struct {
	SessionID string            `json:"session_id"`
	Code      string            `json:"code"`
	Env       map[string]string `json:"env"`
}

type terminateRequest struct {
	SessionID string `json:"session_id"`
}

type queuedResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req installRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.tasks.SubmitInstall(r.Context(), req.SessionID, req.Packages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{
		Status:    "install_queued",
		SessionID: req.SessionID,
		TaskID:    id,
		StatusURL: path.Join("/status", string(task.KindInstall), id),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req executeRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.tasks.SubmitExecute(r.Context(), req.SessionID, req.Code, req.Env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{
		Status:    "execute_queued",
		SessionID: req.SessionID,
		TaskID:    id,
		StatusURL: path.Join("/status", string(task.KindExecute), id),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	kind := task.Kind(ps.ByName("task_type"))
	if !kind.Valid() {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", kind))
		return
	}
	rec, err := s.tasks.Status(r.Context(), ps.ByName("task_id"))
	if err == nil && rec.Kind != kind {
		err = task.ErrNotFound
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", s.cfg.MaxUploadMB))
			return
		}
		writeDetail(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if int64(len(data)) > limit {
		writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", s.cfg.MaxUploadMB))
		return
	}

	sessionID := r.FormValue("session_id")
	name := r.FormValue("path")
	if name == "" {
		name = header.Filename
	}
	if err := s.sessions.WriteFile(r.Context(), sessionID, name, data); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("file uploaded",
		zap.String("session_id", sessionID),
		zap.String("filename", name),
		zap.Int("bytes", len(data)))
	writeJSON(w, http.StatusOK, map[string]string{"filename": name, "storage": s.sessions.StorageName()})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sessionID := r.URL.Query().Get("session_id")
	name := r.URL.Query().Get("filename")

	url, ok, err := s.sessions.DownloadURL(r.Context(), sessionID, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}

	data, err := s.sessions.ReadFile(r.Context(), sessionID, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(name)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req terminateRequest
	if !decode(w, r, &req) {
		return
	}
	existed, err := s.sessions.Terminate(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	message := fmt.Sprintf("Session %s terminated successfully.", req.SessionID)
	if !existed {
		message = fmt.Sprintf("Session %s not found.", req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": message})
}

// writeError maps err onto a status code. Unexpected errors are logged and
// hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidSessionID),
		errors.Is(err, task.ErrInvalidPath),
		errors.Is(err, task.ErrInvalidPackages),
		errors.Is(err, task.ErrInvalidRequest):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Task not found.")
	case errors.Is(err, os.ErrNotExist):
		writeDetail(w, http.StatusNotFound, "File not found.")
	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrStopped):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, internalErrorMessage)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
