package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
)

// State 是发现向导的状态。
type State int

const (
	Idle State = iota
	Submitting
	DiscoverySucceeded
	DiscoveryFailed
	ReconcilingModel
	Registering
	RegistrationSucceeded
	RegistrationFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case DiscoverySucceeded:
		return "discovery_succeeded"
	case DiscoveryFailed:
		return "discovery_failed"
	case ReconcilingModel:
		return "reconciling_model"
	case Registering:
		return "registering"
	case RegistrationSucceeded:
		return "registration_succeeded"
	case RegistrationFailed:
		return "registration_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrBusy       = errors.New("discovery: a request is already in flight")
	ErrValidation = errors.New("discovery: all credential fields are required")
	ErrNoDevice   = errors.New("discovery: no discovered device")
	ErrNoModel    = errors.New("discovery: no model selected")
	ErrClosed     = errors.New("discovery: controller closed")
)

// 提示信息的类别，对应页面上的样式。
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindError   = "error"
)

// Message 是一条可关闭的提示。
type Message struct {
	Kind string
	Text string
}

// API 是控制器依赖的后端接口。
type API interface {
	Metadata(ctx context.Context) (*models.Metadata, error)
	Discover(ctx context.Context, creds models.DiscoveryCredentials) (*models.DiscoveredDevice, error)
	Register(ctx context.Context, req models.RegistrationRequest) (*models.RegistrationResult, error)
}

// Options 配置控制器。
type Options struct {
	ResetDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// OnChange 在每次状态变化后调用，不持有锁。
	OnChange func()
}

// Snapshot 是控制器某一时刻的只读副本。
type Snapshot struct {
	State     State
	Form      models.DiscoveryCredentials
	Device    *models.DiscoveredDevice
	Message   Message
	Metadata  *models.Metadata
	Selection Selection
	// Models 是当前品牌与类型下可选的型号。
	Models []models.ModelCatalogEntry
	Busy   bool
}

// Controller 驱动单个会话的发现与注册流程，同一时刻最多一个请求在途。
type Controller struct {
	api        API
	log        *zap.Logger
	metrics    *metrics.Metrics
	resetDelay time.Duration
	onChange   func()

	mu        sync.Mutex
	state     State
	form      models.DiscoveryCredentials
	device    *models.DiscoveredDevice
	message   Message
	meta      *models.Metadata
	selection Selection
	filtered  []models.ModelCatalogEntry
	busy      bool
	closed    bool
	timer     *time.Timer
	gen       uint64
}

// NewController 创建处于 Idle 的控制器。
func NewController(api API, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := opts.ResetDelay
	if delay < 0 {
		delay = 0
	}
	return &Controller{
		api:        api,
		log:        logger.Named("discovery"),
		metrics:    opts.Metrics,
		resetDelay: delay,
		onChange:   opts.OnChange,
	}
}

// LoadMetadata 预取参考数据，成功一次后不再请求，失败时下次进入向导重试。
func (c *Controller) LoadMetadata(ctx context.Context) error {
	c.mu.Lock()
	if c.meta != nil {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	meta, err := c.api.Metadata(ctx)

	c.mu.Lock()
	if err != nil {
		c.log.Warn("load discovery metadata", zap.Error(err))
		c.message = Message{Kind: KindError, Text: "Error: Could not load device metadata from server."}
	} else {
		c.meta = meta
		c.reconcileLocked()
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// Submit 校验凭证并发起发现。进入 Submitting 后表单中的两个密码立即清空。
func (c *Controller) Submit(ctx context.Context, creds models.DiscoveryCredentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.stopTimerLocked()
	c.device = nil
	c.selection = Selection{}
	c.reconcileLocked()
	c.form = creds

	if blank(creds.IPAddress) || blank(creds.Username) || blank(creds.AuthPassword) || blank(creds.PrivPassword) {
		c.state = Idle
		c.message = Message{Kind: KindError, Text: "Please fill in all required fields."}
		c.mu.Unlock()
		c.notify()
		return ErrValidation
	}

	ip := creds.IPAddress
	c.state = Submitting
	c.busy = true
	c.form.AuthPassword = ""
	c.form.PrivPassword = ""
	c.message = Message{Kind: KindInfo, Text: fmt.Sprintf("Device Search Initiated for IP: %s.", ip)}
	c.mu.Unlock()
	c.notify()

	c.log.Info("discovery started", zap.String("ip", ip))
	device, err := c.api.Discover(ctx, creds)

	c.mu.Lock()
	c.busy = false
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		c.state = DiscoveryFailed
		c.device = nil
		c.message = Message{Kind: KindError, Text: "Discovery Failed: " + discoveryFailure(err)}
		c.mu.Unlock()
		c.metrics.ObserveDiscovery("discovery_error")
		c.log.Info("discovery failed", zap.String("ip", ip), zap.Error(err))
		c.notify()
		return err
	}

	c.state = DiscoverySucceeded
	c.device = device
	c.message = Message{Kind: KindSuccess, Text: fmt.Sprintf("Discovery Successful for IP: %s.", ip)}
	c.mu.Unlock()
	c.metrics.ObserveDiscovery("discovery_ok")
	c.log.Info("discovery succeeded", zap.String("ip", ip), zap.String("hostname", device.Hostname))
	c.notify()

	c.mu.Lock()
	if c.state == DiscoverySucceeded {
		c.state = ReconcilingModel
		c.reconcileLocked()
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// SelectBrand 选择品牌，同时清空类型与型号。
func (c *Controller) SelectBrand(id int64) {
	c.updateSelection(func(s Selection) Selection { return s.SelectBrand(id) })
}

// SelectType 选择类型，只清空型号。
func (c *Controller) SelectType(id int64) {
	c.updateSelection(func(s Selection) Selection { return s.SelectType(id) })
}

// SelectModel 选择型号。
func (c *Controller) SelectModel(id int64) {
	c.updateSelection(func(s Selection) Selection { return s.SelectModel(id) })
}

func (c *Controller) updateSelection(fn func(Selection) Selection) {
	c.mu.Lock()
	c.selection = fn(c.selection)
	c.reconcileLocked()
	c.mu.Unlock()
	c.notify()
}

// ConfirmRegistration 以当前型号注册已发现的设备。失败后停留在 ReconcilingModel 以便重试。
func (c *Controller) ConfirmRegistration(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.device == nil {
		c.message = Message{Kind: KindError, Text: "Please discover a device first."}
		c.mu.Unlock()
		c.notify()
		return ErrNoDevice
	}
	if c.selection.ModelID == 0 {
		c.message = Message{Kind: KindError, Text: "Please select the correct device model from the dropdowns before adding."}
		c.mu.Unlock()
		c.notify()
		return ErrNoModel
	}

	device := c.device
	req := models.RegistrationRequest{
		IPAddress:        device.IPAddress,
		Hostname:         device.Hostname,
		ModelID:          c.selection.ModelID,
		RawDiscoveryData: models.RawDiscoveryData{Data: device.Raw},
	}
	c.state = Registering
	c.busy = true
	c.message = Message{Kind: KindInfo, Text: fmt.Sprintf("Registering device %s...", device.Hostname)}
	c.mu.Unlock()
	c.notify()

	res, err := c.api.Register(ctx, req)

	c.mu.Lock()
	c.busy = false
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		c.state = RegistrationFailed
		c.message = Message{Kind: KindError, Text: registrationFailure(err)}
		c.mu.Unlock()
		c.metrics.ObserveDiscovery("registration_error")
		c.log.Info("registration failed", zap.String("hostname", device.Hostname), zap.Error(err))
		c.notify()

		c.mu.Lock()
		if c.state == RegistrationFailed {
			c.state = ReconcilingModel
		}
		c.mu.Unlock()
		c.notify()
		return err
	}

	hostname := res.Hostname
	if hostname == "" {
		hostname = device.Hostname
	}
	c.state = RegistrationSucceeded
	c.message = Message{
		Kind: KindSuccess,
		Text: fmt.Sprintf("Device %s registered successfully! Closing in %d seconds...", hostname, int(c.resetDelay.Round(time.Second)/time.Second)),
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.resetDelay, func() { c.autoReset(gen) })
	c.mu.Unlock()

	c.metrics.ObserveDiscovery("registration_ok")
	c.log.Info("device registered", zap.String("hostname", hostname), zap.Int64("device_id", res.DeviceID))
	c.notify()
	return nil
}

// Reset 无条件回到 Idle，清空设备、提示、型号选择与表单。
func (c *Controller) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

// DismissMessage 关闭当前提示。
func (c *Controller) DismissMessage() {
	c.mu.Lock()
	c.message = Message{}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) autoReset(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) resetLocked() {
	c.stopTimerLocked()
	c.state = Idle
	c.device = nil
	c.message = Message{}
	c.form = models.DiscoveryCredentials{}
	c.selection = Selection{}
	c.reconcileLocked()
}

// Close 取消待执行的自动重置，之后的调用都返回 ErrClosed。
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
}

// Snapshot 返回当前状态的副本。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:     c.state,
		Form:      c.form,
		Device:    c.device,
		Message:   c.message,
		Metadata:  c.meta,
		Selection: c.selection,
		Models:    append([]models.ModelCatalogEntry(nil), c.filtered...),
		Busy:      c.busy,
	}
}

func (c *Controller) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) reconcileLocked() {
	var catalog []models.ModelCatalogEntry
	if c.meta != nil {
		catalog = c.meta.Models
	}
	c.selection, c.filtered = Reconcile(catalog, c.selection)
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func discoveryFailure(err error) string {
	if errors.Is(err, backend.ErrMissingCSRF) {
		return err.Error()
	}
	if apiErr, ok := backend.IsAPIError(err); ok && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return "Unknown error."
}

func registrationFailure(err error) string {
	if errors.Is(err, backend.ErrMissingCSRF) {
		return "Registration Failed: " + err.Error()
	}
	if apiErr, ok := backend.IsAPIError(err); ok {
		if apiErr.Detail != "" {
			return "Registration Failed: " + apiErr.Detail
		}
		return "Registration Failed: Unknown server error."
	}
	return "Network Error: Could not reach the registration endpoint."
}
