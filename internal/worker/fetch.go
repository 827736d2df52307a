package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
)

// Source 标记响应的来源，供宿主写入响应头与日志。
type Source string

const (
	SourceBypass      Source = "bypass"
	SourceCache       Source = "cache"
	SourcePreload     Source = "preload"
	SourceNetwork     Source = "network"
	SourceOffline     Source = "offline"
	SourceFallback    Source = "fallback"
	SourceUnavailable Source = "unavailable"
)

// FetchEvent 是一次被拦截的请求。Preload 非空时表示导航预加载已在进行。
type FetchEvent struct {
	Request *cache.Request
	Preload func(ctx context.Context) (*cache.Response, error)
}

// Result 是 Fetch 的结果。只有绕过缓存的请求在网络失败时才会带 Err，此时 Response 为空。
type Result struct {
	Response *cache.Response
	Source   Source
	Err      error
}

// Fetch 按固定顺序处理请求，首个命中的步骤决定响应：
// 非 GET、跨域、敏感请求头直接走网络；否则依次查 RUNTIME/STATIC、
// 使用预加载响应、请求网络，网络失败时回退到离线页或缓存，最后返回 503。
func (w *Worker) Fetch(ctx context.Context, ev *FetchEvent) Result {
	req := ev.Request.Clone()
	if req.URL != nil && !req.URL.IsAbs() {
		req.URL = w.controller.Origin().ResolveReference(req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	entry := w.logger.WithFields(w.fields("fetch")).WithFields(logrus.Fields{
		"url":    requestURL(req),
		"method": req.Method,
	})

	switch {
	case req.Method != http.MethodGet:
		return w.bypass(ctx, req, entry, "non_get")
	case !cache.SameOrigin(req.URL, w.controller.Origin()):
		return w.bypass(ctx, req, entry, "external_request")
	case hasSensitiveHeaders(req.Header):
		return w.bypass(ctx, req, entry, "sensitive_headers")
	}

	if resp := w.lookup(ctx, req, entry); resp != nil {
		w.trace("served_from_cache", logrus.Fields{"url": requestURL(req)})
		return Result{Response: resp, Source: SourceCache}
	}

	if ev.Preload != nil {
		resp, err := ev.Preload(ctx)
		if err != nil {
			return w.fallback(ctx, req, entry, err)
		}
		if resp != nil {
			w.trace("served_from_preload", logrus.Fields{"url": requestURL(req)})
			if !w.opts.Mode.Static() && w.eligible(req, resp) {
				w.storeInBackground(ctx, req, resp.Clone(), entry)
			}
			return Result{Response: resp, Source: SourcePreload}
		}
	}

	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return w.fallback(ctx, req, entry, err)
	}

	if !w.opts.Mode.Static() {
		if w.eligible(req, resp) {
			w.store(ctx, req, resp.Clone(), entry)
		}
	}
	w.trace("served_from_network", logrus.Fields{"url": requestURL(req), "status": resp.Status})
	return Result{Response: resp, Source: SourceNetwork}
}

func (w *Worker) bypass(ctx context.Context, req *cache.Request, entry *logrus.Entry, reason string) Result {
	w.trace("bypass_cache", logrus.Fields{"url": requestURL(req), "reason": reason})
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		entry.WithError(err).Warn("network_failed")
		return Result{Source: SourceBypass, Err: err}
	}
	return Result{Response: resp, Source: SourceBypass}
}

// lookup 运行时模式先查 RUNTIME 精确匹配与忽略 query 匹配，再查 STATIC。存储错误按未命中处理。
func (w *Worker) lookup(ctx context.Context, req *cache.Request, entry *logrus.Entry) *cache.Response {
	tiers := []string{w.staticName}
	if !w.opts.Mode.Static() {
		tiers = []string{w.runtimeName, w.staticName}
	}
	for _, name := range tiers {
		tier, err := w.storage.Open(ctx, name)
		if err != nil {
			entry.WithError(err).WithField("cache", name).Warn("cache_open_failed")
			continue
		}
		for _, opts := range []cache.MatchOptions{{}, {IgnoreSearch: true}} {
			resp, err := tier.Match(ctx, req, opts)
			if err == nil {
				return resp
			}
			if !errors.Is(err, cache.ErrNotFound) {
				entry.WithError(err).WithField("cache", name).Warn("cache_match_failed")
			}
		}
	}
	return nil
}

// eligible 判断网络或预加载响应是否写入 RUNTIME：200 且满足分类条件，并且不是 opaque。
func (w *Worker) eligible(req *cache.Request, resp *cache.Response) bool {
	if !resp.OK() || resp.Status != http.StatusOK {
		w.trace("not_cached_status", logrus.Fields{"url": requestURL(req), "status": resp.Status})
		return false
	}
	if !shouldCache(req, resp) {
		w.trace("not_cached", logrus.Fields{"url": requestURL(req)})
		return false
	}
	if !storableType(resp) {
		w.trace("not_cached_opaque", logrus.Fields{"url": requestURL(req), "type": string(resp.Type)})
		return false
	}
	return true
}

// store 写入 RUNTIME。worker 已被替换或注销时放弃写入，旧版本的响应不能进入同名 tier。
func (w *Worker) store(ctx context.Context, req *cache.Request, resp *cache.Response, entry *logrus.Entry) {
	w.storeMu.RLock()
	defer w.storeMu.RUnlock()
	if w.State() == StateRedundant {
		w.trace("not_cached_redundant", logrus.Fields{"url": requestURL(req)})
		return
	}

	tier, err := w.storage.Open(ctx, w.runtimeName)
	if err == nil {
		err = tier.Put(ctx, req, resp)
	}
	if err != nil {
		entry.WithError(err).Warn("cache_put_failed")
		return
	}
	w.trace("cached", logrus.Fields{"url": requestURL(req), "content_type": resp.Header.Get("Content-Type")})
}

// storeInBackground 与响应解耦，请求取消不会中断写入。
func (w *Worker) storeInBackground(ctx context.Context, req *cache.Request, resp *cache.Response, entry *logrus.Entry) {
	detached := context.WithoutCancel(ctx)
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		w.store(detached, req, resp, entry)
	}()
}

// fallback 处理网络失败：导航请求返回离线页，其它请求在全部 tier 中查找，最后返回 503。
func (w *Worker) fallback(ctx context.Context, req *cache.Request, entry *logrus.Entry, cause error) Result {
	entry.WithError(cause).Warn("network_failed")

	if req.Mode == cache.ModeNavigate {
		if resp := w.offlinePage(ctx, entry); resp != nil {
			w.trace("served_offline_content", logrus.Fields{"url": requestURL(req)})
			return Result{Response: resp, Source: SourceOffline}
		}
	} else if cache.SameOrigin(req.URL, w.controller.Origin()) {
		for _, opts := range []cache.MatchOptions{{}, {IgnoreSearch: true}} {
			resp, err := w.storage.Match(ctx, req, opts)
			if err == nil {
				w.trace("served_from_cache_fallback", logrus.Fields{"url": requestURL(req)})
				return Result{Response: resp, Source: SourceFallback}
			}
			if !errors.Is(err, cache.ErrNotFound) {
				entry.WithError(err).Warn("cache_fallback_failed")
				break
			}
		}
	}

	entry.Info("resource_not_found")
	return Result{Response: Unavailable(), Source: SourceUnavailable}
}

func (w *Worker) offlinePage(ctx context.Context, entry *logrus.Entry) *cache.Response {
	tier, err := w.storage.Open(ctx, w.staticName)
	if err != nil {
		entry.WithError(err).Warn("offline_cache_failed")
		return nil
	}
	req := &cache.Request{Method: http.MethodGet, URL: w.resolve(w.opts.OfflinePath), Header: make(http.Header)}
	resp, err := tier.Match(ctx, req, cache.MatchOptions{})
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			entry.WithError(err).Warn("offline_cache_failed")
		}
		return nil
	}
	return resp
}

// Unavailable 返回网络与缓存都不可用时的合成响应。
func Unavailable() *cache.Response {
	return &cache.Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: "Service Unavailable",
		Header: http.Header{
			"Content-Type":  {"text/plain"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte("Resource unavailable"),
		Type: cache.TypeDefault,
	}
}
