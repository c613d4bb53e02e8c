package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/hitushen/snmpdash/internal/metrics"
)

// Options 描述一个后端客户端的构造参数。
type Options struct {
	BaseURL        string
	CSRFCookieName string
	Timeout        time.Duration
	Transport      http.RoundTripper
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Client 绑定一个浏览器会话，持有独立的 cookie jar，所有请求都携带会话 cookie。
type Client struct {
	base       *url.URL
	csrfCookie string
	jar        *cookiejar.Jar
	http       *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New 创建后端客户端，BaseURL 必须是绝对地址。
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q is not absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	csrfCookie := opts.CSRFCookieName
	if csrfCookie == "" {
		csrfCookie = "csrftoken"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:       base,
		csrfCookie: csrfCookie,
		jar:        jar,
		http:       &http.Client{Jar: jar, Timeout: timeout, Transport: opts.Transport},
		log:        logger.Named("backend"),
		metrics:    opts.Metrics,
	}, nil
}

// BaseURL 返回规范化后的后端地址。
func (c *Client) BaseURL() string {
	return c.base.String()
}

// call 描述一次后端调用。
type call struct {
	op       string
	method   string
	path     string
	params   url.Values
	body     any
	out      any
	mutating bool
}

func (c *Client) do(ctx context.Context, cl call) error {
	started := time.Now()
	err := c.fetch(ctx, cl)
	c.metrics.ObserveBackend(cl.op, started, err)

	if err != nil {
		c.log.Debug("backend call failed",
			zap.String("operation", cl.op),
			zap.String("path", cl.path),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return err
	}
	c.log.Debug("backend call",
		zap.String("operation", cl.op),
		zap.String("path", cl.path),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (c *Client) fetch(ctx context.Context, cl call) error {
	rb := requests.
		URL(c.base.String()).
		Path(cl.path).
		Method(cl.method).
		Client(c.http).
		Header("Accept", "application/json").
		AddValidator(checkResponse)

	for key, values := range cl.params {
		rb.Param(key, values...)
	}

	token, err := c.csrfToken()
	switch {
	case err == nil:
		rb.Header("X-CSRFToken", token).Header("Referer", c.base.String())
	case cl.mutating:
		return ErrMissingCSRF
	}

	if cl.body != nil {
		rb.BodyJSON(cl.body)
	}

	var buf bytes.Buffer
	if cl.out != nil {
		rb.ToJSON(cl.out)
	} else {
		rb.ToBytesBuffer(&buf)
	}

	if err := rb.Fetch(ctx); err != nil {
		if apiErr, ok := IsAPIError(err); ok {
			return apiErr
		}
		return fmt.Errorf("%s: %w", cl.op, err)
	}
	return nil
}

// csrfToken 从 jar 中读取 CSRF cookie。
func (c *Client) csrfToken() (string, error) {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == c.csrfCookie && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", ErrMissingCSRF
}
