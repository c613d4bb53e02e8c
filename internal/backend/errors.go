package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrMissingCSRF 表示写请求前在 cookie 中找不到 CSRF token，请求不会发出。
var ErrMissingCSRF = errors.New("CSRF token is missing. Please ensure you are logged in.")

// APIError 是后端返回的失败结果。Detail 是从响应体约定字段中取到的原文，
// 可能为空；Message 在 Detail 为空时回退到状态码描述。
type APIError struct {
	Status  int
	Detail  string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsAPIError 判断 err 是否来自后端的失败响应。
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsUnauthorized 判断后端是否因会话失效拒绝了请求。
func IsUnauthorized(err error) bool {
	apiErr, ok := IsAPIError(err)
	return ok && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// checkResponse 替代默认的状态码校验，把非 2xx 响应转换为 *APIError。
func checkResponse(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return newAPIError(res.StatusCode, extractDetail(body))
}

func newAPIError(status int, detail string) *APIError {
	msg := detail
	if msg == "" {
		msg = fmt.Sprintf("HTTP Error! Status: %d", status)
	}
	return &APIError{Status: status, Detail: detail, Message: msg}
}

// extractDetail 依次取 detail、non_field_errors、message，响应体无法解析时视为空对象。
func extractDetail(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "non_field_errors", "message"} {
		if msg := textOf(payload[key]); msg != "" {
			return msg
		}
	}
	return ""
}

func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if msg := textOf(item); msg != "" {
				return msg
			}
		}
		return ""
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err == nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
