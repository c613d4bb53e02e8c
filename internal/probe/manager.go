package probe

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/realtime"
	"github.com/hitushen/snmpdash/internal/store"
	"github.com/hitushen/snmpdash/internal/targets"
)

// ErrClosed 表示探测管理器已停止。
var ErrClosed = errors.New("probe manager is closed")

// DefaultPorts 是默认探测的管理端口：SSH、Telnet、HTTP、HTTPS、NETCONF。
var DefaultPorts = []int{22, 23, 80, 443, 830}

// Options 配置探测管理器。
type Options struct {
	Ports    []int
	Timeout  time.Duration
	Threads  int
	Workers  int
	Resolver targets.Resolver
	Runner   Runner
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Manager 负责在后台工作池中执行管理端口探测。
type Manager struct {
	store        *store.Store
	broker       *realtime.Broker
	ports        []int
	timeout      time.Duration
	threads      int
	resolver     targets.Resolver
	run          Runner
	log          *zap.Logger
	metrics      *metrics.Metrics
	jobs         chan probeJob
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

type probeJob struct {
	DeviceID int64
	Address  string
}

// NewManager 启动工作协程，并清理上次进程遗留的探测中标记。
func NewManager(st *store.Store, broker *realtime.Broker, opts Options) *Manager {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	ports := append([]int(nil), opts.Ports...)
	if len(ports) == 0 {
		ports = append(ports, DefaultPorts...)
	}
	sort.Ints(ports)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = 25
	}
	run := opts.Runner
	if run == nil {
		run = NaabuRunner
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		store:    st,
		broker:   broker,
		ports:    ports,
		timeout:  timeout,
		threads:  threads,
		resolver: resolver,
		run:      run,
		log:      log.Named("probe"),
		metrics:  opts.Metrics,
		jobs:     make(chan probeJob, workers*4),
		stopCh:   make(chan struct{}),
	}
	if err := st.ResetProbes(context.Background()); err != nil {
		m.log.Warn("reset stale probes", zap.Error(err))
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Ports 返回探测的端口列表。
func (m *Manager) Ports() []int {
	return append([]int(nil), m.ports...)
}

// Schedule 为设备排入一次探测；已有探测进行中时返回 false。
func (m *Manager) Schedule(ctx context.Context, deviceID int64, address string) (bool, error) {
	select {
	case <-m.stopCh:
		return false, ErrClosed
	default:
	}
	if targets.Normalize(address) == "" {
		return false, targets.ErrEmpty
	}
	ok, err := m.store.BeginProbe(ctx, deviceID, address)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	select {
	case m.jobs <- probeJob{DeviceID: deviceID, Address: address}:
		m.log.Debug("probe enqueued", zap.Int64("device", deviceID), zap.String("address", address))
		return true, nil
	case <-m.stopCh:
		_ = m.store.EndProbe(context.Background(), deviceID, nil, ErrClosed)
		return false, ErrClosed
	case <-ctx.Done():
		_ = m.store.EndProbe(context.Background(), deviceID, nil, ctx.Err())
		return false, ctx.Err()
	}
}

// Latest 返回设备最近一次探测结果，从未探测时返回 nil。
func (m *Manager) Latest(ctx context.Context, deviceID int64) (*models.ProbeRun, error) {
	run, err := m.store.LatestProbe(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// StartTicker 启动周期任务，定期复测所有探测过的设备。
func (m *Manager) StartTicker(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) probeAll() {
	ctx := context.Background()
	runs, err := m.store.ListProbeTargets(ctx)
	if err != nil {
		m.log.Warn("list probe targets", zap.Error(err))
		return
	}
	for _, r := range runs {
		if _, err := m.Schedule(ctx, r.DeviceID, r.Address); errors.Is(err, ErrClosed) {
			return
		}
	}
}

// Close 优雅停止所有探测协程。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			m.handleJob(job)
		case <-m.stopCh:
			m.drain()
			return
		}
	}
}

// drain 把停止时仍在队列中的任务标记为结束，避免残留探测中状态。
func (m *Manager) drain() {
	for {
		select {
		case job := <-m.jobs:
			_ = m.store.EndProbe(context.Background(), job.DeviceID, nil, ErrClosed)
		default:
			return
		}
	}
}

func (m *Manager) handleJob(job probeJob) {
	start := time.Now()
	deadline := m.timeout*time.Duration(len(m.ports)+1) + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	open, err := m.probe(ctx, job.Address)
	checkedAt := time.Now().UTC()
	ports := make([]models.ProbePort, 0, len(m.ports))
	for _, p := range m.ports {
		status := models.PortStatusClosed
		switch {
		case err != nil:
			status = models.PortStatusUnknown
		case open[p]:
			status = models.PortStatusOpen
		}
		ports = append(ports, models.ProbePort{Port: p, Status: status, CheckedAt: checkedAt})
	}

	if err != nil {
		m.log.Warn("probe failed", zap.Int64("device", job.DeviceID), zap.String("address", job.Address), zap.Error(err))
	} else {
		m.log.Info("probe completed", zap.Int64("device", job.DeviceID), zap.Int("open", len(open)),
			zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)))
	}
	m.metrics.ObserveProbe(err)

	if endErr := m.store.EndProbe(context.Background(), job.DeviceID, ports, err); endErr != nil {
		m.log.Error("end probe", zap.Int64("device", job.DeviceID), zap.Error(endErr))
	}

	// 事件只携带设备 ID，端口结果经会话自己的设备查询后读取。
	if m.broker != nil {
		m.broker.Broadcast(realtime.Event{Type: realtime.EventProbeCompleted, DeviceID: job.DeviceID})
	}
}

func (m *Manager) probe(ctx context.Context, address string) (map[int]bool, error) {
	hosts, err := targets.Build(ctx, m.resolver, address)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, hosts, m.ports, m.timeout, m.threads)
}
