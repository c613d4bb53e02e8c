package backend

import "net/http"

// Cookie 是可持久化的会话 cookie。
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookies 导出当前后端地址下的全部 cookie，用于服务重启后恢复会话。
func (c *Client) Cookies() []Cookie {
	var out []Cookie
	for _, ck := range c.jar.Cookies(c.base) {
		out = append(out, Cookie{Name: ck.Name, Value: ck.Value})
	}
	return out
}

// SetCookies 把持久化的 cookie 写回 jar。
func (c *Client) SetCookies(cookies []Cookie) {
	if len(cookies) == 0 {
		return
	}
	list := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		list = append(list, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
	}
	c.jar.SetCookies(c.base, list)
}

// HasSession 判断 jar 中是否还有任何 cookie。
func (c *Client) HasSession() bool {
	return len(c.jar.Cookies(c.base)) > 0
}
