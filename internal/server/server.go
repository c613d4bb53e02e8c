package server

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/auth"
	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/config"
	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/probe"
	"github.com/hitushen/snmpdash/internal/realtime"
	"github.com/hitushen/snmpdash/internal/store"
	"github.com/hitushen/snmpdash/internal/workspace"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Server 负责协调 HTTP 路由、模板渲染与各会话的运行时。
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	auth      *auth.Manager
	registry  *workspace.Registry
	probe     *probe.Manager
	broker    *realtime.Broker
	templates *template.Template
}

// New 创建并初始化带路由的 Server，启动会话回收与可选的探测工作池。
func New(cfg *config.Config, st *store.Store, log *zap.Logger, m *metrics.Metrics) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tmpl, err := template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}

	broker := realtime.NewBroker()
	users := auth.NewUserStore(st)
	registry := workspace.NewRegistry(st, users, workspace.Options{
		BackendURL:     cfg.BackendURL,
		CSRFCookieName: cfg.CSRFCookieName,
		Timeout:        cfg.RequestTimeout,
		PollInterval:   cfg.PollInterval,
		ResetDelay:     cfg.ResetDelay,
		IdleTimeout:    cfg.IdleTimeout,
		Logger:         log,
		Metrics:        m,
		Broker:         broker,
	})
	registry.StartReaper(reaperInterval(cfg.IdleTimeout))

	srv := &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		auth: auth.NewManager(users, auth.Options{
			SessionKey: cfg.SessionKey,
			LoginRate:  cfg.LoginRate,
			LoginBurst: cfg.LoginBurst,
			Logger:     log,
		}),
		registry:  registry,
		broker:    broker,
		templates: tmpl,
	}
	if cfg.Probe.Enabled {
		srv.probe = probe.NewManager(st, broker, probe.Options{
			Ports:   cfg.Probe.Ports,
			Timeout: cfg.Probe.Timeout,
			Threads: cfg.Probe.Concurrency,
			Workers: cfg.Probe.Workers,
			Logger:  log,
			Metrics: m,
		})
		srv.probe.StartTicker(cfg.Probe.Interval)
	}
	return srv, nil
}

func reaperInterval(idle time.Duration) time.Duration {
	every := idle / 4
	if every < time.Second {
		every = time.Second
	}
	if every > 5*time.Minute {
		every = 5 * time.Minute
	}
	return every
}

// Close 关闭后台组件。
func (s *Server) Close() {
	if s.probe != nil {
		s.probe.Close()
	}
	s.registry.Close()
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		s.cfg.CSRFKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
	)

	r.Group(func(pub chi.Router) {
		pub.Get("/login", s.showLogin)
		pub.Post("/login", s.handleLogin)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(priv chi.Router) {
		priv.Use(s.auth.Middleware)
		priv.Post("/logout", s.handleLogout)
		priv.Get("/events", s.streamEvents)

		priv.Get("/", s.dashboard)
		priv.Post("/dashboard/select/{id}", s.dashboardSelect)
		priv.Post("/dashboard/filter", s.dashboardFilter)
		priv.Post("/dashboard/apply", s.dashboardApply)
		priv.Post("/dashboard/dismiss", s.dashboardDismiss)
		priv.Get("/api/dashboard", s.apiDashboard)

		priv.Get("/devices/new", s.showAddDevice)
		priv.Post("/devices", s.handleAddDevice)
		priv.Get("/devices/{id}", s.deviceDetails)
		priv.Get("/devices/{id}/edit", s.showEditDevice)
		priv.Post("/devices/{id}/edit", s.handleEditDevice)
		priv.Post("/devices/{id}/unhide", s.handleUnhideDevice)
		priv.Post("/devices/{id}/probe", s.handleProbeDevice)

		priv.Get("/discover", s.showDiscover)
		priv.Post("/discover", s.handleDiscover)
		priv.Post("/discover/select", s.handleDiscoverSelect)
		priv.Post("/discover/confirm", s.handleDiscoverConfirm)
		priv.Post("/discover/reset", s.handleDiscoverReset)
		priv.Post("/discover/dismiss", s.handleDiscoverDismiss)
	})

	return csrfMiddleware(r)
}

func (s *Server) showLogin(w http.ResponseWriter, r *http.Request) {
	if id := s.auth.SessionID(r); id != "" {
		if user, err := s.auth.Users().Get(r.Context(), id); err == nil && user != nil {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}
	s.renderLogin(w, r, http.StatusOK, "", "")
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, message, username string) {
	s.render(w, r, status, "login", map[string]any{
		"Error":    message,
		"Username": username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	if err := s.auth.AllowLogin(r); err != nil {
		s.renderLogin(w, r, http.StatusTooManyRequests, err.Error(), username)
		return
	}

	if old := s.auth.SessionID(r); old != "" {
		s.registry.Drop(old)
		if err := s.auth.Users().Clear(ctx, old); err != nil {
			s.log.Warn("clear previous session", zap.Error(err))
		}
	}
	sid, err := s.auth.Begin(w, r)
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	if _, err := s.registry.Login(ctx, sid, username, password); err != nil {
		s.registry.Drop(sid)
		s.log.Info("login failed", zap.String("username", username), zap.Error(err))
		s.renderLogin(w, r, http.StatusUnauthorized, loginFailure(err), username)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s.registry.Logout(r.Context(), id.SessionID)
	if _, err := s.auth.Logout(w, r); err != nil {
		s.log.Warn("logout", zap.Error(err))
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := s.broker.Subscribe(id.SessionID)
	defer cleanup()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

// workspace 返回当前会话的运行时，失败时已写入响应。
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return nil, id, false
	}
	ws, err := s.registry.Get(r.Context(), id.SessionID)
	if err != nil {
		s.log.Error("open workspace", zap.Error(err))
		http.Error(w, "workspace unavailable", http.StatusServiceUnavailable)
		return nil, id, false
	}
	return ws, id, true
}

// render 执行命名模板，并补齐所有页面共用的字段。
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["CSRFField"] = csrf.TemplateField(r)
	data["CSRFToken"] = csrf.Token(r)
	if id, ok := auth.FromContext(r.Context()); ok {
		data["User"] = id.User
	}
	data["ProbeEnabled"] = s.probe != nil

	var buf strings.Builder
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Error("render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(buf.String()))
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// userMessage 把后端错误转换为页面上展示的文本。
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, backend.ErrMissingCSRF) {
		return err.Error()
	}
	if apiErr, ok := backend.IsAPIError(err); ok {
		return apiErr.Message
	}
	return "Network Error: Could not reach the server."
}

func loginFailure(err error) string {
	if apiErr, ok := backend.IsAPIError(err); ok && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return "Login failed. Please try again."
}

func parseIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func formInt(r *http.Request, key string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(r.FormValue(key)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
