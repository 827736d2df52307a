// Package reconciler compares the deployed manifest with the version this
// client last registered and decides whether to register the cache runtime,
// tear everything down, or leave it alone. It runs once per page load.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
)

const (
	DefaultScriptURL  = "/service-worker.js"
	DefaultReadyEvent = "QSW_READY"
	// HashStorageKey 是持久化已注册版本的键名。
	HashStorageKey = "QSW_APPHASH"
)

// Outcome 描述一次 Run 的结果。
type Outcome string

const (
	OutcomeDisabled        Outcome = "disabled"
	OutcomeUnregistered    Outcome = "unregistered"
	OutcomeVersionDrift    Outcome = "version_drift"
	OutcomeInvalidManifest Outcome = "invalid_manifest"
	OutcomeRegistered      Outcome = "registered"
	OutcomeFailed          Outcome = "failed"
)

// ManifestSource 获取当前部署的 manifest，非 2xx 响应必须返回错误。
type ManifestSource interface {
	FetchManifest(ctx context.Context) (*manifest.Manifest, error)
}

// Registration 是一个已注册的运行时实例。
type Registration interface {
	Unregister(ctx context.Context) error
}

// Retirer 可选：Teardown 删除 tier 之前先让实例停止写缓存，避免进行中的请求重建已删除的 tier。
type Retirer interface {
	Retire(ctx context.Context)
}

// Container 负责注册运行时脚本并枚举现有注册。
type Container interface {
	Register(ctx context.Context, scriptURL string) error
	Registrations(ctx context.Context) ([]Registration, error)
}

// HashStore 持久化最后一次成功注册的版本哈希。
type HashStore interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, hash string) error
	Remove(ctx context.Context) error
}

// Page 代表承载客户端的页面。
type Page interface {
	Reload(ctx context.Context) error
	Dispatch(ctx context.Context, event string) error
}

type Options struct {
	Prefix     string
	ScriptURL  string
	ReadyEvent string
}

// Reconciler 是版本对账的唯一入口，也是唯一注册/注销运行时的组件。
type Reconciler struct {
	source    ManifestSource
	storage   cache.Storage
	container Container
	hashes    HashStore
	page      Page
	logger    *logrus.Logger
	opts      Options
}

// New 构造 Reconciler，所有能力均为必需。
func New(source ManifestSource, storage cache.Storage, container Container, hashes HashStore, page Page, logger *logrus.Logger, opts Options) (*Reconciler, error) {
	if source == nil || storage == nil || container == nil || hashes == nil || page == nil {
		return nil, errors.New("reconciler requires manifest source, cache storage, container, hash store and page")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Prefix == "" {
		opts.Prefix = cache.DefaultPrefix
	}
	if opts.ScriptURL == "" {
		opts.ScriptURL = DefaultScriptURL
	}
	if opts.ReadyEvent == "" {
		opts.ReadyEvent = DefaultReadyEvent
	}
	return &Reconciler{
		source:    source,
		storage:   storage,
		container: container,
		hashes:    hashes,
		page:      page,
		logger:    logger,
		opts:      opts,
	}, nil
}

// Run 执行一次对账。所有错误只记录日志，不向调用方传播。
func (r *Reconciler) Run(ctx context.Context) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(r.fields()).WithField("panic", fmt.Sprint(rec)).Error("reconcile_panic")
			outcome = OutcomeFailed
		}
	}()

	m, err := r.source.FetchManifest(ctx)
	if err != nil {
		r.logger.WithError(err).WithFields(r.fields()).Error("manifest_fetch_failed")
		return OutcomeFailed
	}

	if m.Disable {
		r.logger.WithFields(r.fields()).Info("reconcile_disabled")
		return OutcomeDisabled
	}

	if m.Unregister {
		if err := r.Teardown(ctx); err != nil {
			r.logger.WithError(err).WithFields(r.fields()).Error("teardown_failed")
			return OutcomeFailed
		}
		return OutcomeUnregistered
	}

	if !m.HasHash() {
		r.logger.WithFields(r.fields()).Error("invalid_manifest_hash")
		return OutcomeInvalidManifest
	}

	stored, ok, err := r.hashes.Get(ctx)
	if err != nil {
		r.logger.WithError(err).WithFields(r.fields()).Error("hash_read_failed")
		return OutcomeFailed
	}
	if ok && stored != "" && stored != m.Hash {
		r.logger.WithFields(r.fields()).WithFields(logrus.Fields{
			"stored_hash": stored,
			"new_hash":    m.Hash,
		}).Info("version_drift")
		if err := r.Teardown(ctx); err != nil {
			r.logger.WithError(err).WithFields(r.fields()).Error("teardown_failed")
			return OutcomeFailed
		}
		return OutcomeVersionDrift
	}

	if err := r.register(ctx, m.Hash); err != nil {
		r.logger.WithError(err).WithFields(r.fields()).Error("register_failed")
		return OutcomeFailed
	}
	return OutcomeRegistered
}

// register 注册成功后才持久化哈希并广播就绪事件。
func (r *Reconciler) register(ctx context.Context, hash string) error {
	if err := r.container.Register(ctx, r.opts.ScriptURL); err != nil {
		return fmt.Errorf("register %s: %w", r.opts.ScriptURL, err)
	}
	if err := r.hashes.Set(ctx, hash); err != nil {
		return fmt.Errorf("persist %s: %w", HashStorageKey, err)
	}
	if err := r.page.Dispatch(ctx, r.opts.ReadyEvent); err != nil {
		r.logger.WithError(err).WithFields(r.fields()).Warn("dispatch_failed")
	}
	r.logger.WithFields(r.fields()).WithField("hash", hash).Info("registered")
	return nil
}

// Teardown 按顺序删除本命名空间的全部 tier（不区分版本）、注销所有注册、清除哈希并重新加载页面。
// 任一步骤失败即停止。
func (r *Reconciler) Teardown(ctx context.Context) error {
	registrations, err := r.container.Registrations(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, registration := range registrations {
		if retirer, ok := registration.(Retirer); ok {
			retirer.Retire(ctx)
		}
	}

	names, err := r.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if !cache.IsOwnTier(r.opts.Prefix, name) {
			continue
		}
		if _, err := r.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
	}

	for _, registration := range registrations {
		if err := registration.Unregister(ctx); err != nil {
			return fmt.Errorf("unregister: %w", err)
		}
	}

	if err := r.hashes.Remove(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", HashStorageKey, err)
	}
	r.logger.WithFields(r.fields()).Info("teardown_complete")
	return r.page.Reload(ctx)
}

func (r *Reconciler) fields() logrus.Fields {
	return logrus.Fields{
		"action": "reconcile",
		"prefix": r.opts.Prefix,
	}
}
