package dashboard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
)

// 推送给订阅者的事件类型。
const (
	EventDevicesUpdated    = "devices_updated"
	EventPreferencesLoaded = "preferences_loaded"
	EventStateChanged      = "dashboard_changed"
)

// DefaultPollInterval 是设备列表的默认刷新周期。
const DefaultPollInterval = 100 * time.Second

// API 是仪表盘依赖的后端接口。
type API interface {
	ListDevices(ctx context.Context, opts backend.ListOptions) ([]models.Device, error)
	LoadPreferences(ctx context.Context) (*models.FilterPreference, error)
	SavePreferences(ctx context.Context, pref models.FilterPreference) (*models.FilterPreference, error)
}

// Options 配置调和器。
type Options struct {
	PollInterval    time.Duration
	IncludeInactive bool
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// OnChange 在状态变化后以事件名调用，不持有锁。
	OnChange func(event string)
}

// State 是调和器某一时刻的快照。
type State struct {
	User              *models.User
	Devices           []models.Device
	Applied           []int64
	Pending           []int64
	FilterActive      bool
	DevicesLoading    bool
	PreferenceLoading bool
	Error             string
}

// Loading 在任一加载器进行中时为 true。
func (s State) Loading() bool {
	return s.DevicesLoading || s.PreferenceLoading
}

// Reconciler 运行设备轮询与偏好加载两条独立的循环，合并视图由纯函数按最新快照计算。
type Reconciler struct {
	api      API
	log      *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	listOpts backend.ListOptions
	onChange func(string)

	// userMu 串行化 SetUser 的整个切换过程。
	userMu sync.Mutex

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReconciler 创建未启动的调和器。
func NewReconciler(api API, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reconciler{
		api:      api,
		log:      logger.Named("dashboard"),
		metrics:  opts.Metrics,
		interval: interval,
		listOpts: backend.ListOptions{IncludeInactive: opts.IncludeInactive},
		onChange: opts.OnChange,
	}
}

// SetUser 切换当前用户。身份变化时停止旧循环、清空状态，用户非空时重新启动。
func (r *Reconciler) SetUser(user *models.User) {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	r.mu.Lock()
	same := sameUser(r.state.User, user)
	r.mu.Unlock()
	if same {
		return
	}

	r.Stop()
	r.mu.Lock()
	r.state = State{User: user}
	r.mu.Unlock()
	if user != nil {
		r.Start()
	}
	r.notify(EventStateChanged)
}

// Start 启动两条循环，已在运行或没有用户时不做任何事。
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.running || r.state.User == nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.state.PreferenceLoading = true
	if len(r.state.Devices) == 0 {
		r.state.DevicesLoading = true
	}
	updated := make(chan struct{}, 1)
	r.wg.Add(2)
	r.mu.Unlock()

	go r.pollLoop(ctx, updated)
	go r.preferenceLoop(ctx, updated)
}

// Stop 取消两条循环并等待退出，返回后不会再发起任何请求。
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// Running 报告循环是否在运行。
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) pollLoop(ctx context.Context, updated chan<- struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll(ctx, updated)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx, updated)
		}
	}
}

// poll 拉取一次设备列表。失败时记录错误并清空列表，不影响后续轮询。
func (r *Reconciler) poll(ctx context.Context, updated chan<- struct{}) {
	r.mu.Lock()
	if len(r.state.Devices) == 0 {
		r.state.DevicesLoading = true
	}
	r.state.Error = ""
	r.mu.Unlock()

	devices, err := r.api.ListDevices(ctx, r.listOpts)
	if ctx.Err() != nil {
		return
	}
	r.metrics.ObservePoll(err)

	r.mu.Lock()
	prev := r.state.Devices
	if err != nil {
		r.state.Error = err.Error()
		r.state.Devices = nil
		r.log.Warn("poll devices", zap.Error(err))
	} else {
		r.state.Devices = devices
	}
	r.state.DevicesLoading = false
	changed := !sameIDSet(prev, r.state.Devices)
	if changed {
		// 偏好将按新列表重新校验，在此之前保持加载状态。
		r.state.PreferenceLoading = true
		select {
		case updated <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	r.notify(EventDevicesUpdated)
}

func (r *Reconciler) preferenceLoop(ctx context.Context, updated <-chan struct{}) {
	defer r.wg.Done()

	r.loadPreferences(ctx, updated)
	for {
		select {
		case <-ctx.Done():
			return
		case <-updated:
			r.loadPreferences(ctx, updated)
		}
	}
}

// loadPreferences 读取偏好并按当前设备列表校验，失败时回落到空选择且关闭筛选。
// 无论成功与否都会清除加载标记，除非已有下一次加载在排队。
func (r *Reconciler) loadPreferences(ctx context.Context, queued <-chan struct{}) {
	r.mu.Lock()
	r.state.PreferenceLoading = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state.PreferenceLoading = len(queued) > 0
		r.mu.Unlock()
		r.notify(EventPreferencesLoaded)
	}()

	pref, err := r.api.LoadPreferences(ctx)
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Warn("load filter preferences", zap.Error(err))
		r.state.Applied = nil
		r.state.Pending = nil
		r.state.FilterActive = false
		return
	}
	valid := ValidateIDs(ParseIDs(pref.SelectedDeviceIDs), r.state.Devices)
	r.state.Applied = valid
	r.state.Pending = append([]int64(nil), valid...)
	r.state.FilterActive = pref.IsFilterActive
}

// Toggle 只修改待保存的选择。
func (r *Reconciler) Toggle(id int64) {
	r.mu.Lock()
	r.state.Pending = Toggle(r.state.Pending, id)
	r.mu.Unlock()
	r.notify(EventStateChanged)
}

// SetFilterActive 切换"只显示已筛选"。
func (r *Reconciler) SetFilterActive(active bool) {
	r.mu.Lock()
	r.state.FilterActive = active
	r.mu.Unlock()
	r.notify(EventStateChanged)
}

// Apply 保存待定选择与筛选开关，成功后才把待定选择提升为已应用。
// 没有用户或任一加载器进行中时不做任何事。
func (r *Reconciler) Apply(ctx context.Context) error {
	r.mu.Lock()
	if r.state.User == nil || r.state.DevicesLoading || r.state.PreferenceLoading {
		r.mu.Unlock()
		return nil
	}
	pending := append([]int64(nil), r.state.Pending...)
	pref := models.FilterPreference{
		SelectedDeviceIDs: JoinIDs(pending),
		IsFilterActive:    r.state.FilterActive,
	}
	r.mu.Unlock()

	_, err := r.api.SavePreferences(ctx, pref)

	r.mu.Lock()
	if err != nil {
		r.state.Error = err.Error()
	} else {
		r.state.Applied = pending
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("save filter preferences", zap.Error(err))
	}
	r.notify(EventStateChanged)
	return err
}

// DismissError 关闭错误提示。
func (r *Reconciler) DismissError() {
	r.mu.Lock()
	r.state.Error = ""
	r.mu.Unlock()
	r.notify(EventStateChanged)
}

// Snapshot 返回当前状态的深拷贝。
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Devices = append([]models.Device(nil), r.state.Devices...)
	s.Applied = append([]int64(nil), r.state.Applied...)
	s.Pending = append([]int64(nil), r.state.Pending...)
	return s
}

// View 是页面渲染所需的派生数据。
type View struct {
	State
	Search    string
	Title     string
	Indicator string
	Rows      []Row
	Total     int
	Shown     int
	// NoneInScope 在有设备但筛选后为空且没有搜索词时为 true。
	NoneInScope bool
}

// View 按当前快照与搜索词计算可见列表。
func (r *Reconciler) View(search string) View {
	s := r.Snapshot()
	visible := Visible(s.Devices, s.Applied, s.FilterActive, search)

	role := ""
	if s.User != nil {
		role = s.User.Role
	}
	return View{
		State:       s,
		Search:      search,
		Title:       Title(role),
		Indicator:   ContextIndicator(s.FilterActive, len(s.Devices), len(visible)),
		Rows:        Rows(visible, s.Pending),
		Total:       len(s.Devices),
		Shown:       len(visible),
		NoneInScope: len(visible) == 0 && search == "" && len(s.Devices) > 0,
	}
}

func (r *Reconciler) notify(event string) {
	if r.onChange != nil {
		r.onChange(event)
	}
}

func sameUser(a, b *models.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Username == b.Username && a.Role == b.Role
}
