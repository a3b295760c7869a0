package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/polardev/chatstack/internal/history"
	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/metrics"
	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/probe"
	"github.com/polardev/chatstack/internal/session"
)

// supervisor stream, used by the slog line handler
const (
	SupervisorTag   = "SUPERVISOR"
	supervisorColor = "4"
)

// Stop reasons written to the session marker.
const (
	ReasonStop    = session.ReasonStop
	ReasonRestart = session.ReasonRestart
	ReasonSignal  = session.ReasonSignal
	ReasonFailed  = session.ReasonFailed
)

// Diagnostic kinds accepted by Test.
const (
	TestInfo  = "info"
	TestWarn  = "warn"
	TestError = "error"
	TestAll   = "all"
)

const tunnelURLTimeout = 20 * time.Second

var reQuickTunnel = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Supervisor runs the startup sequence of the stack and owns everything it
// started: the registry of handles, the session and the log streams.
type Supervisor struct {
	cfg         model.Config
	stack       model.Stack
	mux         *logmux.Mux
	metrics     *metrics.Metrics
	sessions    *session.Manager
	registry    *Registry
	launcher    *Launcher
	coordinator *Coordinator
	prober      *probe.Prober
	history     *sql.DB

	mx        sync.Mutex
	session   *session.Session
	cancel    context.CancelFunc
	publicURL string
}

type Option func(*Supervisor)

// WithHistory records sessions and launches into db.
func WithHistory(db *sql.DB) Option {
	return func(s *Supervisor) {
		s.history = db
	}
}

func New(cfg model.Config, mux *logmux.Mux, m *metrics.Metrics, opts ...Option) *Supervisor {
	stack := cfg.Stack()
	registry := NewRegistry()
	s := &Supervisor{
		cfg:         cfg,
		stack:       stack,
		mux:         mux,
		metrics:     m,
		sessions:    session.NewManager(cfg.Session.Dir.String()),
		registry:    registry,
		launcher:    NewLauncher(registry, mux, cfg, m),
		coordinator: NewCoordinator(registry, stack.All(), cfg.Shutdown.Grace.Duration, m),
		prober:      probe.New(cfg.Readiness.Interval.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

func (s *Supervisor) Sessions() *session.Manager {
	return s.sessions
}

func (s *Supervisor) Stack() model.Stack {
	return s.stack
}

// Session returns the current session, nil between Stop and Start.
func (s *Supervisor) Session() *session.Session {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.session
}

func (s *Supervisor) PublicURL() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.publicURL
}

// Start opens a new session and starts the tunnel, the model daemon and
// the app, in this order. Only the model daemon not getting ready is fatal;
// the caller is expected to call Stop afterwards.
func (s *Supervisor) Start(ctx context.Context) error {
	sess, err := s.sessions.New()
	if err != nil {
		return err
	}
	s.historyStart(ctx, sess)
	if err := s.openStreams(sess); err != nil {
		_ = sess.End(ReasonFailed)
		s.historyFinish(ctx, sess, ReasonFailed)
		return err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mx.Lock()
	s.session = sess
	s.cancel = cancel
	s.publicURL = ""
	s.mx.Unlock()
	s.coordinator.Bind(sess)

	slog.InfoContext(ctx, "session started", "dir", sess.Dir)

	s.startTunnel(ctx, sctx)
	if err := s.startModel(ctx); err != nil {
		return err
	}
	s.startApp(ctx)
	s.banner()
	return nil
}

func (s *Supervisor) openStreams(sess *session.Session) error {
	var errs []error
	for _, spec := range s.stack.All() {
		t := logmux.Target{
			Name:       spec.Name,
			Tag:        spec.Tag,
			Color:      spec.Color,
			TmpLog:     spec.TmpLog,
			SessionLog: sess.LogPath(spec.Name),
		}
		if spec.Output == model.OutputFile {
			t.TmpLog = ""
		}
		if _, err := s.mux.Open(t); err != nil {
			errs = append(errs, err)
		}
	}
	_, err := s.mux.Open(logmux.Target{
		Name:       model.ServiceSupervisor,
		Tag:        SupervisorTag,
		Color:      supervisorColor,
		TmpLog:     filepath.Join(s.cfg.Session.TmpDir.String(), model.ServiceSupervisor+".log"),
		SessionLog: sess.LogPath(model.ServiceSupervisor),
	})
	errs = append(errs, err)
	return errors.Join(errs...)
}

func (s *Supervisor) startTunnel(ctx, sctx context.Context) {
	spec := s.stack.Tunnel
	if !s.cfg.Tunnel.Enabled {
		slog.InfoContext(ctx, "tunnel disabled")
		return
	}
	if spec.ConfigFile != "" {
		if _, err := os.Stat(spec.ConfigFile); err != nil {
			slog.InfoContext(ctx, "no tunnel configuration, skipping tunnel", "config", spec.ConfigFile)
			return
		}
	}
	status, _, err := s.launch(ctx, spec)
	if err != nil {
		slog.WarnContext(ctx, "tunnel not started", "error", err)
		return
	}
	if s.cfg.Tunnel.Hostname != "" {
		s.setPublicURL("https://" + s.cfg.Tunnel.Hostname)
		return
	}
	if status == Started {
		go s.discoverURL(sctx, spec.TmpLog)
	}
}

// discoverURL waits for cloudflared to print the quick tunnel address.
func (s *Supervisor) discoverURL(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(ctx, tunnelURLTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if url := findURL(path); url != "" {
			s.setPublicURL(url)
			_ = s.mux.Console().Println("Public URL: " + url)
			return
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				slog.DebugContext(ctx, "public tunnel URL not found", "log", path)
			}
			return
		case <-ticker.C:
		}
	}
}

func findURL(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := logmux.NewScanner(f)
	for sc.Scan() {
		if url := reQuickTunnel.FindString(sc.Text()); url != "" {
			return url
		}
	}
	return ""
}

func (s *Supervisor) setPublicURL(url string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.publicURL = url
}

func (s *Supervisor) startModel(ctx context.Context) error {
	spec := s.stack.Model
	if _, _, err := s.launch(ctx, spec); err != nil {
		// an instance started outside of the supervisor may still answer
		slog.ErrorContext(ctx, "model daemon not started", "error", err)
	}

	timeout := s.cfg.Readiness.Timeout.Duration
	slog.InfoContext(ctx, "waiting for model daemon", "timeout", timeout)
	start := time.Now()
	err := s.prober.AwaitReady(ctx, spec.Ready, timeout)
	s.metrics.Readiness(spec.Name, time.Since(start), err == nil)
	if err != nil {
		slog.ErrorContext(ctx, "model daemon is not ready", "timeout", timeout, "log", spec.TmpLog)
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	slog.InfoContext(ctx, "model daemon is ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Supervisor) startApp(ctx context.Context) {
	spec := s.stack.App
	if _, _, err := s.launch(ctx, spec); err != nil {
		slog.ErrorContext(ctx, "app not started", "error", err)
		return
	}
	start := time.Now()
	err := s.prober.Attempt(ctx, spec.Ready, s.cfg.Readiness.AppAttempts)
	s.metrics.Readiness(spec.Name, time.Since(start), err == nil)
	if err != nil {
		logPath := spec.TmpLog
		if sess := s.Session(); sess != nil {
			logPath = sess.LogPath(spec.Name)
		}
		slog.WarnContext(ctx, "app is not ready yet, check its log", "log", logPath, "error", err)
		return
	}
	slog.InfoContext(ctx, "app is ready", "port", s.cfg.App.Port)
}

// launch launches spec and records the outcome in the history.
func (s *Supervisor) launch(ctx context.Context, spec model.ServiceSpec) (LaunchStatus, *Handle, error) {
	status, h, err := s.launcher.Launch(ctx, spec)
	sess := s.Session()
	if s.history == nil || sess == nil {
		return status, h, err
	}
	l := history.Launch{
		Session: sess.Name(),
		Service: spec.Name,
		Status:  status.String(),
		At:      time.Now(),
	}
	if h != nil {
		l.Pid = h.Pid()
	}
	if herr := history.RecordLaunch(context.WithoutCancel(ctx), s.history, l); herr != nil {
		slog.WarnContext(ctx, "recording launch", "service", spec.Name, "error", herr)
	}
	return status, h, err
}

func (s *Supervisor) historyStart(ctx context.Context, sess *session.Session) {
	if s.history == nil {
		return
	}
	if n, err := history.Abandon(ctx, s.history, sess.Name(), session.ReasonAbandoned, sess.Started); err != nil {
		slog.WarnContext(ctx, "closing abandoned history", "error", err)
	} else if n > 0 {
		slog.DebugContext(ctx, "abandoned sessions closed in history", "count", n)
	}
	if err := history.Start(ctx, s.history, sess.Name(), sess.Started); err != nil {
		slog.WarnContext(ctx, "recording session start", "session", sess.Name(), "error", err)
	}
}

func (s *Supervisor) historyFinish(ctx context.Context, sess *session.Session, reason string) {
	if s.history == nil {
		return
	}
	err := history.Finish(context.WithoutCancel(ctx), s.history, sess.Name(), reason, time.Now())
	if err != nil && !errors.Is(err, history.ErrAlreadyFinished) {
		slog.WarnContext(ctx, "recording session end", "session", sess.Name(), "error", err)
	}
}

func (s *Supervisor) banner() {
	c := s.mux.Console()
	_ = c.Println("Local URL:  http://localhost:" + strconv.Itoa(s.cfg.App.Port) + "/")
	switch url := s.PublicURL(); {
	case url != "":
		_ = c.Println("Public URL: " + url)
	case s.tunnelRunning():
		_ = c.Println("Public URL: pending, see " + s.stack.Tunnel.TmpLog)
	}
	_ = c.Println(`Type "help" for commands.`)
}

func (s *Supervisor) tunnelRunning() bool {
	h, ok := s.registry.Get(model.ServiceTunnel)
	return ok && h.Alive()
}

// Stop stops every service, ends the session with reason and closes the
// log streams. It is safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context, reason string) error {
	s.mx.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	sess := s.session
	s.mx.Unlock()

	err := s.coordinator.StopAll(ctx, reason)
	if sess != nil {
		s.historyFinish(ctx, sess, reason)
	}
	if cerr := s.mux.CloseAll(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.mx.Lock()
	s.session = nil
	s.mx.Unlock()
	return err
}

// Restart stops the stack and runs the full startup sequence again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.metrics.Restart()
	slog.InfoContext(ctx, "restarting")
	if err := s.Stop(ctx, ReasonRestart); err != nil {
		slog.WarnContext(ctx, "stop before restart", "error", err)
	}
	return s.Start(ctx)
}

type diagnostic struct {
	service string
	text    string
}

// Test writes synthetic lines into the service streams so an operator can
// check the colors and the session logs.
func (s *Supervisor) Test(ctx context.Context, kind string) error {
	var lines []diagnostic
	switch kind {
	case TestInfo:
		lines = []diagnostic{{model.ServiceApp, "INFO: test-info diagnostic line"}}
	case TestWarn:
		lines = []diagnostic{{model.ServiceApp, "WARNING: test-warn diagnostic line"}}
	case TestError:
		lines = []diagnostic{{model.ServiceApp, "ERROR: test-error diagnostic line"}}
	case TestAll:
		lines = []diagnostic{
			{model.ServiceTunnel, "test-all: tunnel diagnostic line"},
			{model.ServiceModel, "test-all: model diagnostic line"},
			{model.ServiceApp, "INFO: test-all diagnostic line"},
			{model.ServiceApp, "WARNING: test-all diagnostic line"},
			{model.ServiceApp, "ERROR: test-all diagnostic line"},
		}
	default:
		return fmt.Errorf("unknown diagnostic %q", kind)
	}

	var errs []error
	for _, l := range lines {
		stream, ok := s.mux.Stream(l.service)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", l.service, logmux.ErrStreamClosed))
			continue
		}
		errs = append(errs, stream.Emit(l.text))
	}
	slog.DebugContext(ctx, "diagnostic lines written", "kind", kind, "lines", len(lines))
	return errors.Join(errs...)
}

// Status describes the liveness of one service.
type Status struct {
	Name    string
	Running bool
	Pid     int32
}

// Status reports per service liveness, by handle or by process pattern.
func (s *Supervisor) Status(ctx context.Context) []Status {
	var out []Status
	for _, spec := range s.stack.All() {
		st := Status{Name: spec.Name, Running: s.launcher.Running(ctx, spec)}
		if h, ok := s.registry.Get(spec.Name); ok && h.Alive() {
			st.Pid = h.Pid()
		}
		out = append(out, st)
	}
	return out
}

