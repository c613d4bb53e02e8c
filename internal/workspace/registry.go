package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/auth"
	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/discovery"
	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/realtime"
	"github.com/hitushen/snmpdash/internal/store"
)

// ErrClosed 表示注册表已关闭。
var ErrClosed = errors.New("workspace registry is closed")

// Options 配置每个会话的运行时。
type Options struct {
	BackendURL     string
	CSRFCookieName string
	Timeout        time.Duration
	Transport      http.RoundTripper
	PollInterval   time.Duration
	ResetDelay     time.Duration
	IdleTimeout    time.Duration
	// Retention 是持久化会话在无访问后保留的时长。
	Retention time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Broker    *realtime.Broker
}

// Workspace 是一个浏览器会话的全部运行时：后端客户端、发现向导与仪表盘。
type Workspace struct {
	ID        string
	Client    *backend.Client
	Discovery *discovery.Controller
	Dashboard *dashboard.Reconciler

	mu       sync.Mutex
	lastSeen time.Time
	unsub    func()
}

// LastSeen 返回最近一次访问时间。
func (w *Workspace) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

func (w *Workspace) touch(at time.Time) {
	w.mu.Lock()
	w.lastSeen = at
	w.mu.Unlock()
}

func (w *Workspace) shutdown() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	w.Dashboard.Stop()
	w.Discovery.Close()
}

// Registry 按会话 ID 管理 Workspace，重启后可从存储中恢复。
type Registry struct {
	db      *store.Store
	users   auth.SessionStore
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	broker  *realtime.Broker
	now     func() time.Time

	mu     sync.Mutex
	spaces map[string]*Workspace
	closed bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// NewRegistry 创建注册表。
func NewRegistry(db *store.Store, users auth.SessionStore, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 12 * time.Hour
	}
	return &Registry{
		db:      db,
		users:   users,
		opts:    opts,
		log:     log.Named("workspace"),
		metrics: opts.Metrics,
		broker:  opts.Broker,
		now:     time.Now,
		spaces:  make(map[string]*Workspace),
		stopCh:  make(chan struct{}),
	}
}

// Get 返回会话的 Workspace，不存在时创建并从存储恢复后端 Cookie 与当前用户。
func (r *Registry) Get(ctx context.Context, id string) (*Workspace, error) {
	if id == "" {
		return nil, errors.New("empty session id")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if ws, ok := r.spaces[id]; ok {
		r.mu.Unlock()
		ws.touch(r.now())
		return ws, nil
	}
	r.mu.Unlock()

	ws, err := r.build(id)
	if err != nil {
		return nil, err
	}
	user, err := r.rehydrate(ctx, ws)
	if err != nil {
		ws.shutdown()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ws.shutdown()
		return nil, ErrClosed
	}
	if existing, ok := r.spaces[id]; ok {
		r.mu.Unlock()
		ws.shutdown()
		existing.touch(r.now())
		return existing, nil
	}
	r.spaces[id] = ws
	r.mu.Unlock()

	r.watch(ws)
	ws.Dashboard.SetUser(user)
	r.metrics.WorkspaceOpened()
	r.log.Debug("workspace opened", zap.String("session", shortID(id)), zap.Bool("signed_in", user != nil))
	return ws, nil
}

func (r *Registry) build(id string) (*Workspace, error) {
	client, err := backend.New(backend.Options{
		BaseURL:        r.opts.BackendURL,
		CSRFCookieName: r.opts.CSRFCookieName,
		Timeout:        r.opts.Timeout,
		Transport:      r.opts.Transport,
		Logger:         r.log,
		Metrics:        r.metrics,
	})
	if err != nil {
		return nil, err
	}
	ws := &Workspace{ID: id, Client: client, lastSeen: r.now()}
	ws.Discovery = discovery.NewController(client, discovery.Options{
		ResetDelay: r.opts.ResetDelay,
		Logger:     r.log,
		Metrics:    r.metrics,
		OnChange:   func() { r.publish(id, realtime.EventDiscoveryChanged) },
	})
	ws.Dashboard = dashboard.NewReconciler(client, dashboard.Options{
		PollInterval: r.opts.PollInterval,
		Logger:       r.log,
		Metrics:      r.metrics,
		OnChange:     func(event string) { r.publish(id, event) },
	})
	return ws, nil
}

// rehydrate 恢复持久化的后端 Cookie，并返回会话当前用户。
func (r *Registry) rehydrate(ctx context.Context, ws *Workspace) (*models.User, error) {
	sess, err := r.db.GetSession(ctx, ws.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(sess.Cookies) > 0 {
		var cookies []backend.Cookie
		if err := json.Unmarshal(sess.Cookies, &cookies); err != nil {
			r.log.Warn("discard unreadable backend cookies", zap.String("session", shortID(ws.ID)), zap.Error(err))
		} else {
			ws.Client.SetCookies(cookies)
		}
	}
	return sess.User, nil
}

// watch 订阅身份变化：登出时拆除 Workspace，切换用户时重启仪表盘。
func (r *Registry) watch(ws *Workspace) {
	ch, cancel := r.users.Subscribe(ws.ID)
	ws.mu.Lock()
	ws.unsub = cancel
	ws.mu.Unlock()

	go func() {
		for user := range ch {
			if user == nil {
				r.Drop(ws.ID)
				return
			}
			ws.Dashboard.SetUser(user)
		}
	}()
}

// Login 用会话自己的后端客户端登录，成功后保存 Cookie 与用户。
func (r *Registry) Login(ctx context.Context, id, username, password string) (*models.User, error) {
	ws, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	user, err := ws.Client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := r.Persist(ctx, ws); err != nil {
		return nil, err
	}
	if err := r.users.Set(ctx, id, user); err != nil {
		return nil, err
	}
	ws.Dashboard.SetUser(user)
	r.log.Info("user signed in", zap.String("username", user.Username), zap.String("session", shortID(id)))
	return user, nil
}

// Logout 注销后端会话并拆除 Workspace。后端注销失败只记录日志。
func (r *Registry) Logout(ctx context.Context, id string) {
	r.mu.Lock()
	ws := r.spaces[id]
	r.mu.Unlock()
	if ws != nil && ws.Client.HasSession() {
		if err := ws.Client.Logout(ctx); err != nil {
			r.log.Warn("backend logout failed", zap.String("session", shortID(id)), zap.Error(err))
		}
	}
	r.Drop(id)
}

// Persist 加密保存会话当前的后端 Cookie。
func (r *Registry) Persist(ctx context.Context, ws *Workspace) error {
	data, err := json.Marshal(ws.Client.Cookies())
	if err != nil {
		return err
	}
	return r.db.SaveCookies(ctx, ws.ID, data)
}

// Drop 拆除会话的运行时，停止轮询与自动重置计时器。
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	ws, ok := r.spaces[id]
	delete(r.spaces, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	ws.shutdown()
	r.metrics.WorkspaceClosed()
	r.log.Debug("workspace dropped", zap.String("session", shortID(id)))
}

// Len 返回当前活跃的 Workspace 数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

// StartReaper 启动周期任务，拆除空闲过久的 Workspace 并清理过期会话。
func (r *Registry) StartReaper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reap(context.Background())
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Registry) reap(ctx context.Context) {
	now := r.now()
	var idle []string
	r.mu.Lock()
	for id, ws := range r.spaces {
		if now.Sub(ws.LastSeen()) > r.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()
	for _, id := range idle {
		r.Drop(id)
	}

	purged, err := r.db.PurgeIdle(ctx, now.Add(-r.opts.Retention))
	if err != nil {
		r.log.Warn("purge idle sessions", zap.Error(err))
		return
	}
	if len(idle) > 0 || len(purged) > 0 {
		r.log.Info("reaped sessions", zap.Int("idle_workspaces", len(idle)), zap.Int("purged", len(purged)))
	}
}

// Close 停止回收协程并拆除全部 Workspace。
func (r *Registry) Close() {
	r.shutdownOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.spaces))
	for id := range r.spaces {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Drop(id)
	}
}

func (r *Registry) publish(id, event string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(id, realtime.Event{Type: event})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
