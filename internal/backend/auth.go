package backend

import (
	"context"
	"net/http"

	"github.com/hitushen/snmpdash/internal/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse 中的 token 字段只在登录时出现，取出后写入 jar。
type loginResponse struct {
	models.User
	CSRFToken    string `json:"csrftoken"`
	CSRFTokenAlt string `json:"csrf_token"`
}

// Login 以用户名密码登录后端，成功后会话 cookie 留在 jar 中。
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	var res loginResponse
	err := c.do(ctx, call{
		op:     "login",
		method: http.MethodPost,
		path:   "login/",
		body:   loginRequest{Username: username, Password: password},
		out:    &res,
	})
	if err != nil {
		return nil, err
	}

	token := res.CSRFToken
	if token == "" {
		token = res.CSRFTokenAlt
	}
	if token != "" {
		c.SetCookies([]Cookie{{Name: c.csrfCookie, Value: token}})
	}

	user := res.User
	return &user, nil
}

// Logout 注销后端会话，后端可能返回 204。
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, call{
		op:     "logout",
		method: http.MethodPost,
		path:   "logout/",
	})
}
