package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-querystring/query"

	"github.com/hitushen/snmpdash/internal/models"
)

// ListOptions 是设备列表的查询参数，false 时不出现在查询串中。
type ListOptions struct {
	IncludeInactive bool `url:"include_inactive,omitempty"`
}

// ListDevices 拉取当前用户可见的设备列表。
func (c *Client) ListDevices(ctx context.Context, opts ListOptions) ([]models.Device, error) {
	params, err := query.Values(opts)
	if err != nil {
		return nil, fmt.Errorf("encode device query: %w", err)
	}

	var devices []models.Device
	err = c.do(ctx, call{
		op:     "list_devices",
		method: http.MethodGet,
		path:   "devices/",
		params: params,
		out:    &devices,
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice 拉取单台设备。
func (c *Client) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	var device models.Device
	err := c.do(ctx, call{
		op:     "get_device",
		method: http.MethodGet,
		path:   fmt.Sprintf("devices/%d/", id),
		out:    &device,
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// CreateDevice 新增设备，归属用户由后端决定。
func (c *Client) CreateDevice(ctx context.Context, in models.NewDevice) (*models.Device, error) {
	var device models.Device
	err := c.do(ctx, call{
		op:       "create_device",
		method:   http.MethodPost,
		path:     "devices/",
		body:     in,
		out:      &device,
		mutating: true,
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

type hostnamePatch struct {
	Hostname string `json:"hostname"`
}

// UpdateDevice 修改设备名称。
func (c *Client) UpdateDevice(ctx context.Context, id int64, hostname string) (*models.Device, error) {
	var device models.Device
	err := c.do(ctx, call{
		op:       "update_device",
		method:   http.MethodPatch,
		path:     fmt.Sprintf("devices/%d/", id),
		body:     hostnamePatch{Hostname: hostname},
		out:      &device,
		mutating: true,
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

type activePatch struct {
	IsActive bool `json:"is_active"`
}

// UnhideDevice 恢复一台被隐藏的设备。
func (c *Client) UnhideDevice(ctx context.Context, id int64) error {
	return c.do(ctx, call{
		op:       "unhide_device",
		method:   http.MethodPatch,
		path:     fmt.Sprintf("devices/%d/", id),
		body:     activePatch{IsActive: true},
		mutating: true,
	})
}

// DeviceInterfaces 拉取设备接口表。
func (c *Client) DeviceInterfaces(ctx context.Context, id int64) ([]models.InterfaceRow, error) {
	var rows []models.InterfaceRow
	err := c.do(ctx, call{
		op:     "device_interfaces",
		method: http.MethodGet,
		path:   fmt.Sprintf("devices/%d/interfaces/", id),
		out:    &rows,
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListModels 拉取新增设备表单使用的扁平型号列表。
func (c *Client) ListModels(ctx context.Context) ([]models.CatalogModel, error) {
	var list []models.CatalogModel
	err := c.do(ctx, call{
		op:     "list_models",
		method: http.MethodGet,
		path:   "models/",
		out:    &list,
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
