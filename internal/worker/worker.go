package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
)

const (
	DefaultManifestPath        = "/" + manifest.FileName
	DefaultOfflinePath         = "/offline.html"
	DefaultPrecacheConcurrency = 8
)

// State 描述 worker 生命周期所处阶段。
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Network 执行真实的网络请求。传输层失败返回 error，HTTP 错误状态仍是正常响应。
type Network interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

// Controller 提供宿主对客户端的控制能力。
type Controller interface {
	Origin() *url.URL
	SkipWaiting(ctx context.Context) error
	Claim(ctx context.Context) error
}

// PreloadEnabler 为可选能力，宿主支持导航预加载时实现。
type PreloadEnabler interface {
	EnableNavigationPreload(ctx context.Context) error
}

// Options 控制单个 worker 实例的行为。
type Options struct {
	Mode                manifest.Mode
	Prefix              string
	Version             string
	ManifestPath        string
	OfflinePath         string
	Debug               bool
	PrecacheConcurrency int
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = manifest.ModeRuntime
	}
	if o.Prefix == "" {
		o.Prefix = cache.DefaultPrefix
	}
	if o.Version == "" {
		o.Version = cache.DefaultVersion
	}
	if o.ManifestPath == "" {
		o.ManifestPath = DefaultManifestPath
	}
	if o.OfflinePath == "" {
		o.OfflinePath = DefaultOfflinePath
	}
	if o.PrecacheConcurrency <= 0 {
		o.PrecacheConcurrency = DefaultPrecacheConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Worker 是一个版本的缓存运行时实例。
type Worker struct {
	id         string
	opts       Options
	storage    cache.Storage
	network    Network
	controller Controller
	logger     *logrus.Logger

	staticName  string
	runtimeName string

	state      atomic.Int32
	background sync.WaitGroup
	// storeMu 让 MarkRedundant 等待进行中的 Put；之后的写入都会看到 redundant 并放弃。
	storeMu sync.RWMutex
}

// New 构造 worker，初始状态为 StateNew。
func New(storage cache.Storage, network Network, controller Controller, logger *logrus.Logger, opts Options) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("cache storage required")
	}
	if network == nil {
		return nil, errors.New("network required")
	}
	if controller == nil || controller.Origin() == nil {
		return nil, errors.New("controller with origin required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	if _, err := manifest.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	return &Worker{
		id:          uuid.NewString(),
		opts:        opts,
		storage:     storage,
		network:     network,
		controller:  controller,
		logger:      logger,
		staticName:  cache.TierName(opts.Prefix, cache.TierStatic, opts.Version),
		runtimeName: cache.TierName(opts.Prefix, cache.TierRuntime, opts.Version),
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Mode() manifest.Mode {
	return w.opts.Mode
}

// TierNames 返回当前版本的 STATIC 与 RUNTIME tier 名称。
func (w *Worker) TierNames() (static, runtime string) {
	return w.staticName, w.runtimeName
}

// MarkRedundant 由宿主在 worker 被替换或注销时调用。返回后该 worker 不会再写入任何 tier。
func (w *Worker) MarkRedundant() {
	w.storeMu.Lock()
	w.setState(StateRedundant)
	w.storeMu.Unlock()
}

// Wait 等待后台缓存写入完成。
func (w *Worker) Wait() {
	w.background.Wait()
}

func (w *Worker) setState(state State) {
	w.state.Store(int32(state))
}

// Install 预缓存离线页（静态模式下为 manifest 中的全部文件），随后请求跳过等待。
// 预缓存失败只记录日志；只有打开 STATIC tier 或 skip-waiting 失败才使安装失败。
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.trace("installing", nil)

	files := w.precacheList(ctx)
	if len(files) > 0 {
		if err := w.precache(ctx, files); err != nil {
			w.setState(StateRedundant)
			return err
		}
	}

	if !w.opts.Mode.Static() {
		if _, err := w.storage.Open(ctx, w.runtimeName); err != nil {
			w.logger.WithError(err).WithFields(w.fields("install")).Warn("runtime_cache_init_failed")
		} else {
			w.trace("runtime_cache_initialized", nil)
		}
	}

	if err := w.controller.SkipWaiting(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("skip waiting: %w", err)
	}

	w.setState(StateInstalled)
	w.trace("installed", logrus.Fields{"files": len(files)})
	return nil
}

// precacheList 决定安装阶段需要预缓存的路径。静态模式下 manifest 获取或校验失败时退回运行时行为。
func (w *Worker) precacheList(ctx context.Context) []string {
	if !w.opts.Mode.Static() {
		return []string{w.opts.OfflinePath}
	}
	m, err := w.fetchManifest(ctx)
	if err == nil {
		err = m.Validate(manifest.ModeStatic)
	}
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields("install")).Warn("manifest_fetch_failed")
		return []string{w.opts.OfflinePath}
	}
	w.trace("manifest_loaded", logrus.Fields{"files": len(m.Files)})
	return m.Files
}

func (w *Worker) fetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	target := w.resolve(w.opts.ManifestPath)
	target.RawQuery = strconv.FormatInt(w.opts.Now().UnixMilli(), 10)
	req := &cache.Request{Method: http.MethodGet, URL: target, Header: make(http.Header), Mode: cache.ModeCORS}

	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", manifest.FileName, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetch %s: %d %s", manifest.FileName, resp.Status, resp.StatusText)
	}
	return manifest.Decode(resp.Body)
}

// precache 先整体 addAll，失败后逐个并发重试，单个文件失败只计数。
func (w *Worker) precache(ctx context.Context, files []string) error {
	tier, err := w.storage.Open(ctx, w.staticName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.staticName, err)
	}

	addErr := w.addAll(ctx, tier, files)
	if addErr == nil {
		return nil
	}
	w.logger.WithError(addErr).WithFields(w.fields("install")).Warn("precache_failed_retrying_individually")

	var failed atomic.Int64
	p := pool.New().WithMaxGoroutines(w.opts.PrecacheConcurrency)
	for _, file := range files {
		p.Go(func() {
			if err := w.add(ctx, tier, file); err != nil {
				failed.Add(1)
				w.logger.WithError(err).WithFields(w.fields("install")).WithField("file", file).Warn("precache_file_failed")
				return
			}
			w.trace("precache_file_cached", logrus.Fields{"file": file})
		})
	}
	p.Wait()

	if n := failed.Load(); n > 0 {
		w.logger.WithFields(w.fields("install")).WithFields(logrus.Fields{
			"failed": n,
			"total":  len(files),
		}).Warn("precache_partial")
	}
	return nil
}

// addAll 并发获取全部文件，全部成功后才写入，任何一个失败都不写入。
func (w *Worker) addAll(ctx context.Context, tier cache.Cache, files []string) error {
	requests := make([]*cache.Request, len(files))
	responses := make([]*cache.Response, len(files))

	p := pool.New().WithMaxGoroutines(w.opts.PrecacheConcurrency).WithContext(ctx).WithCancelOnError()
	for i, file := range files {
		p.Go(func(ctx context.Context) error {
			req, resp, err := w.fetchForPrecache(ctx, file)
			if err != nil {
				return err
			}
			requests[i] = req
			responses[i] = resp
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	for i := range files {
		if err := tier.Put(ctx, requests[i], responses[i]); err != nil {
			return fmt.Errorf("cache %s: %w", files[i], err)
		}
	}
	return nil
}

func (w *Worker) add(ctx context.Context, tier cache.Cache, file string) error {
	req, resp, err := w.fetchForPrecache(ctx, file)
	if err != nil {
		return err
	}
	return tier.Put(ctx, req, resp)
}

func (w *Worker) fetchForPrecache(ctx context.Context, file string) (*cache.Request, *cache.Response, error) {
	req := &cache.Request{Method: http.MethodGet, URL: w.resolve(file), Header: make(http.Header), Mode: cache.ModeCORS}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", file, err)
	}
	if !resp.OK() {
		return nil, nil, fmt.Errorf("fetch %s: status %d", file, resp.Status)
	}
	return req, resp, nil
}

// Activate 删除本命名空间下非当前版本的 tier，接管客户端并尝试开启导航预加载。
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	w.trace("activating", nil)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if !cache.IsOwnTier(w.opts.Prefix, name) || name == w.staticName || name == w.runtimeName {
			continue
		}
		w.trace("deleting_cache", logrus.Fields{"cache": name})
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithError(err).WithFields(w.fields("activate")).WithField("cache", name).Warn("cache_delete_failed")
		}
	}

	if err := w.controller.Claim(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("claim clients: %w", err)
	}
	w.trace("claimed", nil)

	if enabler, ok := w.controller.(PreloadEnabler); ok {
		if err := enabler.EnableNavigationPreload(ctx); err != nil {
			w.logger.WithError(err).WithFields(w.fields("activate")).Warn("preload_enable_failed")
		} else {
			w.trace("preload_enabled", nil)
		}
	}

	w.setState(StateActive)
	w.trace("activated", nil)
	return nil
}

// resolve 将站内路径解析为 origin 下的绝对 URL。
func (w *Worker) resolve(path string) *url.URL {
	origin := w.controller.Origin()
	ref, err := url.Parse(path)
	if err != nil {
		u := *origin
		u.Path = path
		return &u
	}
	return origin.ResolveReference(ref)
}

func (w *Worker) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"worker_id": w.id,
		"mode":      string(w.opts.Mode),
		"version":   w.opts.Version,
	}
}

// trace 仅在 Debug 打开时输出生命周期细节。
func (w *Worker) trace(msg string, extra logrus.Fields) {
	if !w.opts.Debug {
		return
	}
	entry := w.logger.WithFields(w.fields("trace"))
	if extra != nil {
		entry = entry.WithFields(extra)
	}
	entry.Debug(msg)
}
