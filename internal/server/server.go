// ============================================================================
// docflow Server - HTTP / WebSocket / gRPC 對外介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
//
// HTTP 路由:
//   POST   /jobs                  提交任務（multipart 上傳或 JSON inputRef）
//   GET    /jobs?owner=           列出任務
//   GET    /jobs/{id}             任務快照
//   GET    /jobs/{id}/status      輪詢端點 {status, percentage, step, resultRef?, error?}
//   GET    /jobs/{id}/events      事件歷史 (?since=seq)
//   GET    /jobs/{id}/result      下載輸出檔
//   DELETE /jobs/{id}             取消任務
//   GET    /ws                    即時通道
//   GET    /healthz
//   GET    /metrics               (設定啟用時)
//
// 呼叫者身分取自 X-Docflow-Principal header，瀏覽器可用 ?principal=。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/internal/controller"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PrincipalHeader carries the caller identity.
const PrincipalHeader = "X-Docflow-Principal"

var errNoPrincipal = errors.New("missing principal")

// Registry is the part of the job registry the server exposes.
type Registry interface {
	Submit(ctx context.Context, cfg types.Configuration, in types.InputDescriptor, owner string) (types.JobID, error)
	Cancel(ctx context.Context, jobID types.JobID, requester broadcast.Principal) (bool, error)
	Query(ctx context.Context, jobID types.JobID) (types.Job, error)
	ListForOwner(owner string) []types.Job
	List(match func(types.Job) bool) []types.Job
	Replay(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error)
	Stats() map[types.Status]int
}

// Config 伺服器設定
type Config struct {
	AdminPrincipals []string
	UploadDir       string
	InputRoots      []string
	MaxUploadBytes  int64
	MetricsPath     string
	MetricsHandler  http.Handler // nil disables /metrics
	Logger          *slog.Logger
}

// Server 對外介面
type Server struct {
	reg      Registry
	hub      *broadcast.Hub
	cfg      Config
	logger   *slog.Logger
	admins   map[string]bool
	upgrader websocket.Upgrader

	sessMu   sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
	done     chan struct{} // closed by Close; ends gRPC watches
}

// New 建立 Server
func New(reg Registry, hub *broadcast.Hub, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	admins := make(map[string]bool, len(cfg.AdminPrincipals))
	for _, p := range cfg.AdminPrincipals {
		admins[p] = true
	}
	return &Server{
		reg:      reg,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		admins:   admins,
		sessions: make(map[*wsSession]struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 回傳 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /jobs/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /jobs/{id}/result", s.handleResult)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}
	return mux
}

func (s *Server) principal(id string) broadcast.Principal {
	return broadcast.Principal{ID: id, Admin: s.admins[id]}
}

func (s *Server) requestPrincipal(r *http.Request) (broadcast.Principal, error) {
	id := r.Header.Get(PrincipalHeader)
	if id == "" {
		id = r.URL.Query().Get("principal")
	}
	if id == "" {
		return broadcast.Principal{}, errNoPrincipal
	}
	return s.principal(id), nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, err := s.requestPrincipal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		cfg     types.Configuration
		in      types.InputDescriptor
		cleanup func()
	)
	if mediaType == "multipart/form-data" {
		cfg, in, cleanup, err = s.readUpload(w, r)
	} else {
		cfg, in, err = s.readSubmitJSON(r)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.reg.Submit(r.Context(), cfg, in, p.ID)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		s.writeError(w, err)
		return
	}
	s.logger.Debug("submit accepted over http", "jobID", id, "owner", p.ID)
	writeJSON(w, http.StatusAccepted, jobRef{JobID: id})
}

func (s *Server) readSubmitJSON(r *http.Request) (types.Configuration, types.InputDescriptor, error) {
	var req SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return types.Configuration{}, types.InputDescriptor{}, badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	cfg, err := req.Config.Configuration()
	if err != nil {
		return cfg, types.InputDescriptor{}, badRequest(err)
	}
	in, err := resolveInput(req.InputRef, req.Filename, s.cfg.InputRoots)
	if err != nil {
		return cfg, in, badRequest(err)
	}
	return cfg, in, nil
}

// readUpload stores the "file" part under UploadDir/<uuid>/ and parses the
// optional "config" part.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (types.Configuration, types.InputDescriptor, func(), error) {
	var cfg types.Configuration
	var in types.InputDescriptor

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return cfg, in, nil, badRequest(fmt.Errorf("invalid upload: %w", err))
	}

	if raw := r.FormValue("config"); raw != "" {
		var payload ConfigPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return cfg, in, nil, badRequest(fmt.Errorf("invalid config: %w", err))
		}
		var err error
		if cfg, err = payload.Configuration(); err != nil {
			return cfg, in, nil, badRequest(err)
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return cfg, in, nil, badRequest(errors.New("missing file part"))
	}
	defer file.Close()

	dir := filepath.Join(s.cfg.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cfg, in, nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "input"
	}
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		cleanup()
		return cfg, in, nil, fmt.Errorf("failed to save upload: %w", err)
	}
	size, err := io.Copy(dst, file)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return cfg, in, nil, fmt.Errorf("failed to save upload: %w", err)
	}

	in = types.InputDescriptor{
		Filename:    name,
		Path:        path,
		Size:        size,
		ContentKind: header.Header.Get("Content-Type"),
	}
	return cfg, in, cleanup, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p, err := s.requestPrincipal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = p.ID
	}

	var jobs []types.Job
	switch {
	case owner == "*" && p.Admin:
		jobs = s.reg.List(nil)
	case owner == p.ID || p.Admin:
		jobs = s.reg.ListForOwner(owner)
	default:
		s.writeError(w, controller.ErrForbidden)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// authorizedJob loads the job and checks the caller may see it.
func (s *Server) authorizedJob(r *http.Request) (types.Job, error) {
	p, err := s.requestPrincipal(r)
	if err != nil {
		return types.Job{}, err
	}
	job, err := s.reg.Query(r.Context(), types.JobID(r.PathValue("id")))
	if err != nil {
		return types.Job{}, err
	}
	if !p.Admin && job.Owner != p.ID {
		return types.Job{}, controller.ErrForbidden
	}
	return job, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(job))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.writeError(w, badRequest(fmt.Errorf("invalid since: %w", err)))
			return
		}
	}
	events, err := s.reg.Replay(r.Context(), job.ID, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.Status != types.StatusCompleted || job.Result == nil {
		writeJSON(w, http.StatusConflict, errorPayload{JobID: job.ID, Message: "job has no result"})
		return
	}
	f, err := os.Open(job.Result.OutputPath)
	if err != nil {
		writeJSON(w, http.StatusGone, errorPayload{JobID: job.ID, Message: "result is no longer available"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": job.Result.OutputFilename}))
	http.ServeContent(w, r, job.Result.OutputFilename, info.ModTime(), f)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.requestPrincipal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := types.JobID(r.PathValue("id"))
	newly, err := s.reg.Cancel(r.Context(), id, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id, "cancelRequested": newly})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int)
	for status, n := range s.reg.Stats() {
		stats[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
		"jobs":   stats,
	})
}

// ============================================================================
// Error mapping
// ============================================================================

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func httpStatus(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, controller.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, errNoPrincipal):
		return http.StatusUnauthorized
	case errors.Is(err, controller.ErrForbidden), errors.Is(err, broadcast.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, controller.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrRegistryClosed), errors.Is(err, broadcast.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, errorPayload{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
