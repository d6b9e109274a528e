package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/logging"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const journalLines = 40

// TickFunc runs one convergence pass on demand.
type TickFunc func(ctx context.Context) (engine.Report, error)

// Server serves the dashboard pages and controls for one Plane.
type Server struct {
	settings Settings
	plane    *Plane
	tick     TickFunc
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTick enables the POST /tick control.
func WithTick(fn TickFunc) Option {
	return func(s *Server) { s.tick = fn }
}

// NewServer prepares a dashboard server.
func NewServer(settings Settings, plane *Plane, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		plane:    plane,
		logger:   slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.For(s.logger, "dashboard")
	return s
}

// Handler returns the routing table. Start serves it; tests can mount it
// directly on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleOverview)
	mux.HandleFunc("GET /teams", s.handleTeams)
	mux.HandleFunc("GET /tree.json", s.handleTree)
	mux.HandleFunc("GET /network.svg", s.handleNetwork)
	mux.HandleFunc("GET /specs", s.handleSpecList)
	mux.HandleFunc("GET /specs/{file}", s.handleSpec)
	mux.HandleFunc("GET /progress", s.handleProgressList)
	mux.HandleFunc("GET /progress/{file}", s.handleProgress)
	mux.HandleFunc("GET /api_logs", s.handleAPILogList)
	mux.HandleFunc("GET /api_logs/{file}", s.handleAPILog)
	mux.HandleFunc("/stop/{file}", s.handleStop)
	mux.HandleFunc("/start/{file}", s.handleStart)
	mux.HandleFunc("POST /tick", s.handleTick)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("controlplane: server is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("controlplane: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", slog.Any("error", err))
		}
	}()
	s.logger.Info("dashboard listening", slog.String("url", "http://"+listener.Addr().String()))
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Teams         int    `json:"teams"`
	Queued        int    `json:"queued"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tree := s.plane.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		UptimeSeconds: s.uptimeSeconds(),
		Teams:         len(tree.Teams),
		Queued:        tree.Queued,
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	lines, _ := s.plane.Journal().Tail(journalLines)
	data := overviewData{
		Tree:    s.plane.Snapshot(),
		Journal: lines,
		Refresh: int(s.settings.Refresh / time.Millisecond),
	}
	if hub := s.plane.Events(); hub != nil {
		data.Live = true
		if recent := hub.Recent(1); len(recent) == 1 {
			data.Since = recent[0].Seq
		}
	}
	s.render(w, "overview", data)
}

// handleEvents streams hub events as server-sent events. ?team= narrows the
// stream to one team and ?since= skips replayed events up to that seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.plane.Events()
	if hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	sub := hub.Subscribe(r.URL.Query().Get("team"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.Seq <= since {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("encode event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	s.render(w, "teams", s.plane.Snapshot())
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Snapshot())
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := networkTemplate.Execute(&buf, LayoutGraph(s.plane.Snapshot())); err != nil {
		s.logger.Error("render failed", slog.String("page", "network"), slog.Any("error", err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleSpecList(w http.ResponseWriter, r *http.Request) {
	s.renderDir(w, "All Specifications", s.plane.Specs().Dir(), ".md", "/specs/", "No specs yet.")
}

func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	name, ok := s.fileParam(w, r)
	if !ok {
		return
	}
	data, ok := s.readFile(w, filepath.Join(s.plane.Specs().Dir(), name))
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleProgressList(w http.ResponseWriter, r *http.Request) {
	s.renderDir(w, "Progress Documents", s.plane.Board().Dir(), ".md", "/progress/", "No progress documents yet.")
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	name, ok := s.fileParam(w, r)
	if !ok {
		return
	}
	data, ok := s.readFile(w, filepath.Join(s.plane.Board().Dir(), name))
	if !ok {
		return
	}
	s.render(w, "document", documentData{Title: name, Back: "/progress", BackTo: "Progress", Content: string(data)})
}

func (s *Server) handleAPILogList(w http.ResponseWriter, r *http.Request) {
	s.renderDir(w, "API Logs", s.plane.Board().APILogsDir(), ".json", "/api_logs/", "No API logs yet.")
}

func (s *Server) handleAPILog(w http.ResponseWriter, r *http.Request) {
	name, ok := s.fileParam(w, r)
	if !ok {
		return
	}
	data, ok := s.readFile(w, filepath.Join(s.plane.Board().APILogsDir(), name))
	if !ok {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		s.logger.Warn("api log unreadable", slog.String("file", name), slog.Any("error", err))
		http.Error(w, "failed to load log", http.StatusInternalServerError)
		return
	}
	s.render(w, "document", documentData{Title: name, Back: "/api_logs", BackTo: "API Logs", Content: pretty.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowControl(w, r) {
		return
	}
	if err := s.plane.Stop(r.PathValue("file")); err != nil {
		s.controlError(w, err)
		return
	}
	http.Redirect(w, r, "/teams", http.StatusSeeOther)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowControl(w, r) {
		return
	}
	if _, err := s.plane.Resume(r.PathValue("file")); err != nil {
		s.controlError(w, err)
		return
	}
	http.Redirect(w, r, "/teams", http.StatusSeeOther)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.tick == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "tick control disabled"})
		return
	}
	report, err := s.tick(r.Context())
	if err != nil {
		s.logger.Error("triggered tick failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, tickResponse(report))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type tickPayload struct {
	RunID      string   `json:"run_id"`
	Planned    []string `json:"planned"`
	Executed   []string `json:"executed"`
	Summarized []string `json:"summarized"`
	Requeued   []string `json:"requeued"`
	Failures   []string `json:"failures"`
}

func tickResponse(r engine.Report) tickPayload {
	out := tickPayload{
		RunID:      r.RunID,
		Planned:    nonNil(r.Planned),
		Executed:   nonNil(r.Executed),
		Summarized: nonNil(r.Summarized),
		Requeued:   nonNil(r.Requeued),
		Failures:   []string{},
	}
	for _, f := range r.Failures {
		out.Failures = append(out.Failures, f.String())
	}
	return out
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func allowControl(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodPost))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func (s *Server) controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadFileName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownSpec):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("control failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) fileParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := CleanFileName(r.PathValue("file"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func (s *Server) readFile(w http.ResponseWriter, path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil, false
		}
		s.logger.Warn("file unreadable", slog.String("path", path), slog.Any("error", err))
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return nil, false
	}
	return data, true
}

func (s *Server) renderDir(w http.ResponseWriter, title, dir, ext, prefix, empty string) {
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("directory unreadable", slog.String("dir", dir), slog.Any("error", err))
	}
	var files []FileLink
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext {
			continue
		}
		files = append(files, FileLink{Name: name, Href: prefix + name})
	}
	s.render(w, "list", listData{Title: title, Files: files, Empty: empty})
}

func (s *Server) render(w http.ResponseWriter, page string, data any) {
	var buf bytes.Buffer
	if err := pages[page].Execute(&buf, data); err != nil {
		s.logger.Error("render failed", slog.String("page", page), slog.Any("error", err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
