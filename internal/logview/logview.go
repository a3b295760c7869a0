// Package logview serves a read-only web page with the recent lines of the
// service logs, plus the Prometheus metrics of the supervisor.
package logview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/session"

	_ "embed"
)

// MaxLines is the number of trailing lines returned for a log.
const MaxLines = 500

const shutdownTimeout = 5 * time.Second

//go:embed index.html
var indexHTML []byte

// Names are the logs the viewer serves.
var Names = []string{model.ServiceApp, model.ServiceModel, model.ServiceTunnel, model.ServiceSupervisor}

// Log is the response of /api/logs/{name}.
type Log struct {
	Text string `json:"text"`
	Path string `json:"path"`
}

type Handler struct {
	tmpDir     string
	sessionDir string
	gatherer   prometheus.Gatherer
}

// NewHandler reads logs from tmpDir first and from the active session under
// sessionDir otherwise. A nil gatherer disables /metrics.
func NewHandler(tmpDir, sessionDir string, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		tmpDir:     tmpDir,
		sessionDir: sessionDir,
		gatherer:   gatherer,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/", h.index)
	r.With(chimiddleware.NoCache).Get("/api/logs/{name}", h.log)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *Handler) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (h *Handler) log(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	var resp Log
	if slices.Contains(Names, name) {
		resp = h.Read(name)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.DebugContext(r.Context(), "writing log response", "error", err)
	}
}

// Read returns the last MaxLines lines of the log of name. The temporary log
// wins when it exists.
func (h *Handler) Read(name string) Log {
	path := filepath.Join(h.tmpDir, name+".log")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(h.sessionDir, session.ActiveLink, name+".log")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Log{Path: path}
	}
	return Log{Text: tail(b, MaxLines), Path: path}
}

// tail returns the last n lines of b, joined by \n without a trailing one.
func tail(b []byte, n int) string {
	b = bytes.TrimRight(b, "\r\n")
	if len(b) == 0 {
		return ""
	}
	end := len(b)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			n--
			if n == 0 {
				return normalize(b[i+1 : end])
			}
		}
	}
	return normalize(b)
}

func normalize(b []byte) string {
	return strings.ReplaceAll(string(b), "\r\n", "\n")
}

// Serve listens on addr and serves handler until ctx is done, then shuts the
// server down gracefully. A listen failure is returned immediately.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("log viewer: %w", err)
	}
	return serve(ctx, ln, handler)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.InfoContext(ctx, "log viewer listening", "url", "http://"+ln.Addr().String()+"/")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("log viewer: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("log viewer shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}
