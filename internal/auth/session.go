package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/models"
)

const (
	sessionName  = "snmpdash_session"
	sessionIDKey = "sid"
)

// ErrThrottled 表示登录尝试过于频繁。
var ErrThrottled = errors.New("too many login attempts, please wait and try again")

// Identity 是经过中间件校验后的会话身份。
type Identity struct {
	SessionID string
	User      *models.User
}

// Manager 负责浏览器会话 Cookie、登录限流与访问控制。
type Manager struct {
	users   SessionStore
	cookie  sessions.Store
	limiter *Limiter
	log     *zap.Logger
}

// Options 配置 Manager。
type Options struct {
	SessionKey []byte
	MaxAge     int
	Secure     bool
	LoginRate  float64
	LoginBurst int
	Logger     *zap.Logger
}

// NewManager 使用提供的会话密钥创建 Manager。
func NewManager(users SessionStore, opts Options) *Manager {
	cookieStore := sessions.NewCookieStore(opts.SessionKey)
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 60 * 60 * 12
	}
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	rps, burst := opts.LoginRate, opts.LoginBurst
	if rps <= 0 {
		rps = 0.2
	}
	if burst <= 0 {
		burst = 5
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		users:   users,
		cookie:  cookieStore,
		limiter: NewLimiter(rps, burst),
		log:     log.Named("auth"),
	}
}

// Users 返回底层会话用户存储。
func (m *Manager) Users() SessionStore {
	return m.users
}

// AllowLogin 对来源地址做登录限流。
func (m *Manager) AllowLogin(r *http.Request) error {
	ip := ClientIP(r)
	if !m.limiter.Allow(ip) {
		m.log.Warn("login throttled", zap.String("client", ip))
		return ErrThrottled
	}
	return nil
}

// Begin 为一次登录签发新的会话 ID 并写入 Cookie，旧 ID 随之作废。
func (m *Manager) Begin(w http.ResponseWriter, r *http.Request) (string, error) {
	session, _ := m.cookie.Get(r, sessionName)
	id := uuid.NewString()
	session.Values[sessionIDKey] = id
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return id, nil
}

// SessionID 读取请求携带的会话 ID，没有时返回空串。
func (m *Manager) SessionID(r *http.Request) string {
	session, err := m.cookie.Get(r, sessionName)
	if err != nil {
		return ""
	}
	id, _ := session.Values[sessionIDKey].(string)
	return id
}

// Logout 清除会话用户并让 Cookie 过期，返回被注销的会话 ID。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) (string, error) {
	id := m.SessionID(r)
	if id != "" {
		if err := m.users.Clear(r.Context(), id); err != nil {
			return id, err
		}
	}
	session, _ := m.cookie.Get(r, sessionName)
	session.Options.MaxAge = -1
	return id, session.Save(r, w)
}

// Middleware 确保请求具备已登录用户，否则重定向到登录页。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.SessionID(r)
		if id == "" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		user, err := m.users.Get(r.Context(), id)
		if err != nil {
			m.log.Error("load session user", zap.Error(err))
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), Identity{SessionID: id, User: user})))
	})
}

// ContextWithIdentity 将会话身份写入上下文。
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext 从上下文读取会话身份。
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type identityKey struct{}
