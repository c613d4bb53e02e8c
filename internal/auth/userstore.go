package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/store"
)

// SessionStore 保存每个会话当前登录的用户，并通知身份变化。
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.User, error)
	Set(ctx context.Context, sessionID string, user *models.User) error
	Clear(ctx context.Context, sessionID string) error
	Subscribe(sessionID string) (<-chan *models.User, func())
}

// UserStore 基于 SQLite 持久化会话用户，重启后依旧有效。
type UserStore struct {
	db *store.Store

	mu   sync.Mutex
	subs map[string]map[chan *models.User]struct{}
}

var _ SessionStore = (*UserStore)(nil)

// NewUserStore 创建 UserStore。
func NewUserStore(db *store.Store) *UserStore {
	return &UserStore{db: db, subs: make(map[string]map[chan *models.User]struct{})}
}

// Get 读取会话用户并刷新最近访问时间，未登录时返回 nil。
func (u *UserStore) Get(ctx context.Context, sessionID string) (*models.User, error) {
	sess, err := u.db.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.User != nil {
		if err := u.db.Touch(ctx, sessionID, time.Now()); err != nil {
			return nil, err
		}
	}
	return sess.User, nil
}

// Set 写入会话用户并通知订阅者。
func (u *UserStore) Set(ctx context.Context, sessionID string, user *models.User) error {
	if err := u.db.SaveSession(ctx, sessionID, user); err != nil {
		return err
	}
	u.notify(sessionID, user)
	return nil
}

// Clear 删除会话（包括加密保存的后端 Cookie）并通知订阅者。
func (u *UserStore) Clear(ctx context.Context, sessionID string) error {
	if err := u.db.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	u.notify(sessionID, nil)
	return nil
}

// Subscribe 订阅会话身份变化，通道只保留最新的一次变化。
func (u *UserStore) Subscribe(sessionID string) (<-chan *models.User, func()) {
	ch := make(chan *models.User, 1)
	u.mu.Lock()
	if u.subs[sessionID] == nil {
		u.subs[sessionID] = make(map[chan *models.User]struct{})
	}
	u.subs[sessionID][ch] = struct{}{}
	u.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			u.mu.Lock()
			delete(u.subs[sessionID], ch)
			if len(u.subs[sessionID]) == 0 {
				delete(u.subs, sessionID)
			}
			u.mu.Unlock()
			close(ch)
		})
	}
}

func (u *UserStore) notify(sessionID string, user *models.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for ch := range u.subs[sessionID] {
		select {
		case <-ch:
		default:
		}
		ch <- user
	}
}
