package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitushen/snmpdash/internal/models"
)

// 发现接口在载荷中声明失败时使用的状态值。
const discoverStatusError = "error"

type discoverEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Metadata 拉取品牌、类型与型号参考数据。
func (c *Client) Metadata(ctx context.Context) (*models.Metadata, error) {
	var meta models.Metadata
	err := c.do(ctx, call{
		op:     "metadata",
		method: http.MethodGet,
		path:   "metadata/",
		out:    &meta,
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Discover 请求后端对目标执行 SNMPv3 发现。2xx 但载荷状态为 error 时同样返回 *APIError，
// 其 Detail 为载荷中的 message，可能为空。
func (c *Client) Discover(ctx context.Context, creds models.DiscoveryCredentials) (*models.DiscoveredDevice, error) {
	var env discoverEnvelope
	err := c.do(ctx, call{
		op:       "discover",
		method:   http.MethodPost,
		path:     "discover/",
		body:     creds,
		out:      &env,
		mutating: true,
	})
	if err != nil {
		return nil, err
	}
	if env.Status == discoverStatusError {
		return nil, newAPIError(http.StatusOK, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, errors.New("discover: response carries no device data")
	}

	var device models.DiscoveredDevice
	if err := json.Unmarshal(env.Data, &device); err != nil {
		return nil, fmt.Errorf("discover: decode device: %w", err)
	}
	device.Raw = append(json.RawMessage(nil), env.Data...)
	return &device, nil
}

// Register 确认注册一台已发现的设备，原始发现数据随请求回传。
func (c *Client) Register(ctx context.Context, req models.RegistrationRequest) (*models.RegistrationResult, error) {
	var res models.RegistrationResult
	err := c.do(ctx, call{
		op:       "register",
		method:   http.MethodPost,
		path:     "device/register/",
		body:     req,
		out:      &res,
		mutating: true,
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
