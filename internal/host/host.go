package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
	"github.com/qsw/qsw/internal/reconciler"
	"github.com/qsw/qsw/internal/worker"
)

// DefaultMaxReloads 限制单次对账中的页面重载次数，避免 unregister 标记导致无限循环。
const DefaultMaxReloads = 1

// Options 控制宿主与其创建的 worker。
type Options struct {
	Origin     *url.URL
	Mode       manifest.Mode
	Prefix     string
	Version    string
	Debug      bool
	MaxReloads int
}

// Host 是进程内的运行时宿主：同一时刻最多一个激活的注册。
type Host struct {
	opts    Options
	storage cache.Storage
	network worker.Network
	hashes  reconciler.HashStore
	logger  *logrus.Logger

	reconciler *reconciler.Reconciler

	runMu sync.Mutex
	mu    sync.RWMutex

	active   *registration
	reloads  int
	outcomes []reconciler.Outcome
	lastRun  time.Time
	readyAt  time.Time
}

// New 构造宿主并装配 reconciler；source 为空时通过 network 拉取 origin 下的 manifest。
func New(storage cache.Storage, network worker.Network, hashes reconciler.HashStore, source reconciler.ManifestSource, logger *logrus.Logger, opts Options) (*Host, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}
	if storage == nil || network == nil || hashes == nil {
		return nil, errors.New("host requires cache storage, network and hash store")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Mode == "" {
		opts.Mode = manifest.ModeRuntime
	}
	if opts.Prefix == "" {
		opts.Prefix = cache.DefaultPrefix
	}
	if opts.Version == "" {
		opts.Version = cache.DefaultVersion
	}
	if opts.MaxReloads <= 0 {
		opts.MaxReloads = DefaultMaxReloads
	}
	if source == nil {
		source = NewNetworkManifestSource(network, opts.Origin)
	}

	h := &Host{
		opts:    opts,
		storage: storage,
		network: network,
		hashes:  hashes,
		logger:  logger,
	}
	rec, err := reconciler.New(source, storage, h, hashes, h, logger, reconciler.Options{Prefix: opts.Prefix})
	if err != nil {
		return nil, err
	}
	h.reconciler = rec
	return h, nil
}

// Reconcile 执行一次“页面加载”。并发调用会被串行化。
func (h *Host) Reconcile(ctx context.Context) reconciler.Outcome {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	h.mu.Lock()
	h.reloads = 0
	h.outcomes = nil
	h.mu.Unlock()

	return h.run(ctx)
}

func (h *Host) run(ctx context.Context) reconciler.Outcome {
	outcome := h.reconciler.Run(ctx)
	h.mu.Lock()
	h.outcomes = append(h.outcomes, outcome)
	h.lastRun = time.Now()
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"action":  "reconcile",
		"outcome": string(outcome),
	}).Info("reconcile_complete")
	return outcome
}

// Active 返回当前激活的 worker，没有时返回 nil。
func (h *Host) Active() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return nil
	}
	return h.active.worker
}

// PreloadEnabled 表示当前注册是否开启了导航预加载。
func (h *Host) PreloadEnabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active != nil && h.active.preload.Load()
}

// Register 实现 reconciler.Container：同一脚本已激活时不做任何事，否则安装并激活新的 worker 后替换旧注册。
func (h *Host) Register(ctx context.Context, scriptURL string) error {
	h.mu.RLock()
	current := h.active
	h.mu.RUnlock()
	if current != nil && current.scriptURL == scriptURL && current.worker.State() == worker.StateActive {
		return nil
	}

	reg := &registration{host: h, scriptURL: scriptURL}
	w, err := worker.New(h.storage, h.network, reg, h.logger, worker.Options{
		Mode:    h.opts.Mode,
		Prefix:  h.opts.Prefix,
		Version: h.opts.Version,
		Debug:   h.opts.Debug,
	})
	if err != nil {
		return err
	}
	reg.worker = w

	if err := w.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	h.mu.Lock()
	previous := h.active
	h.active = reg
	h.mu.Unlock()
	if previous != nil {
		previous.worker.MarkRedundant()
		previous.worker.Wait()
	}

	h.logger.WithFields(logrus.Fields{
		"action":    "register",
		"script":    scriptURL,
		"worker_id": w.ID(),
		"mode":      string(h.opts.Mode),
	}).Info("worker_activated")
	return nil
}

// Registrations 实现 reconciler.Container。
func (h *Host) Registrations(context.Context) ([]reconciler.Registration, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return nil, nil
	}
	return []reconciler.Registration{h.active}, nil
}

func (h *Host) unregister(reg *registration) {
	h.mu.Lock()
	if h.active == reg {
		h.active = nil
	}
	h.mu.Unlock()
	// 必须在 Teardown 删除 tier 之前完成，否则进行中的写入会重建旧版本的 tier。
	reg.worker.MarkRedundant()
	reg.worker.Wait()
	h.logger.WithFields(logrus.Fields{
		"action":    "unregister",
		"worker_id": reg.worker.ID(),
	}).Info("worker_unregistered")
}

// Reload 实现 reconciler.Page：重新执行一次对账，超过 MaxReloads 后只记录日志。
func (h *Host) Reload(ctx context.Context) error {
	h.mu.Lock()
	if h.reloads >= h.opts.MaxReloads {
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{"action": "reload"}).Warn("reload_suppressed")
		return nil
	}
	h.reloads++
	h.mu.Unlock()

	h.run(ctx)
	return nil
}

// Dispatch 实现 reconciler.Page。
func (h *Host) Dispatch(_ context.Context, event string) error {
	h.mu.Lock()
	h.readyAt = time.Now()
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{"action": "dispatch", "event": event}).Info("client_event")
	return nil
}

// Status 是 /-/status 诊断接口的快照。
type Status struct {
	Mode        string   `json:"mode"`
	Origin      string   `json:"origin"`
	WorkerID    string   `json:"worker_id,omitempty"`
	WorkerState string   `json:"worker_state"`
	Tiers       []string `json:"tiers"`
	StoredHash  string   `json:"stored_hash,omitempty"`
	Outcomes    []string `json:"last_outcomes"`
	LastRun     string   `json:"last_run,omitempty"`
	ReadyAt     string   `json:"ready_at,omitempty"`
}

func (h *Host) Status(ctx context.Context) (Status, error) {
	status := Status{
		Mode:        string(h.opts.Mode),
		Origin:      h.opts.Origin.String(),
		WorkerState: "none",
		Tiers:       []string{},
		Outcomes:    []string{},
	}

	h.mu.RLock()
	if h.active != nil {
		status.WorkerID = h.active.worker.ID()
		status.WorkerState = h.active.worker.State().String()
	}
	for _, outcome := range h.outcomes {
		status.Outcomes = append(status.Outcomes, string(outcome))
	}
	if !h.lastRun.IsZero() {
		status.LastRun = h.lastRun.UTC().Format(time.RFC3339)
	}
	if !h.readyAt.IsZero() {
		status.ReadyAt = h.readyAt.UTC().Format(time.RFC3339)
	}
	h.mu.RUnlock()

	names, err := h.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	for _, name := range names {
		if cache.IsOwnTier(h.opts.Prefix, name) {
			status.Tiers = append(status.Tiers, name)
		}
	}
	hash, ok, err := h.hashes.Get(ctx)
	if err != nil {
		return status, err
	}
	if ok {
		status.StoredHash = hash
	}
	return status, nil
}
