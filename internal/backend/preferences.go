package backend

import (
	"context"
	"net/http"

	"github.com/hitushen/snmpdash/internal/models"
)

// LoadPreferences 读取当前用户的筛选偏好。
func (c *Client) LoadPreferences(ctx context.Context) (*models.FilterPreference, error) {
	var pref models.FilterPreference
	err := c.do(ctx, call{
		op:     "load_preferences",
		method: http.MethodGet,
		path:   "preferences/",
		out:    &pref,
	})
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// SavePreferences 保存筛选偏好，返回后端确认后的值。
func (c *Client) SavePreferences(ctx context.Context, pref models.FilterPreference) (*models.FilterPreference, error) {
	var saved models.FilterPreference
	err := c.do(ctx, call{
		op:       "save_preferences",
		method:   http.MethodPatch,
		path:     "preferences/",
		body:     pref,
		out:      &saved,
		mutating: true,
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
