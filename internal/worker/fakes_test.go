package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
)

const testOrigin = "https://app.test"

var errOffline = errors.New("network offline")

// fakeNetwork 以去掉 query 的路径为键返回预置响应，offline 时全部失败。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	offline   bool
	calls     []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: make(map[string]*cache.Response)}
}

func (n *fakeNetwork) set(path string, resp *cache.Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = resp
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req.URL.String())
	if n.offline {
		return nil, errOffline
	}
	key := req.URL.Path
	if req.URL.Host != "app.test" {
		key = req.URL.Host + req.URL.Path
	}
	if resp, ok := n.responses[key]; ok {
		return resp.Clone(), nil
	}
	return cache.NewResponse(http.StatusNotFound, []byte("not found"), nil), nil
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) lastCall() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return ""
	}
	return n.calls[len(n.calls)-1]
}

type fakeController struct {
	origin         *url.URL
	skipped        atomic.Int32
	claimed        atomic.Int32
	preloadEnabled atomic.Int32
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return &fakeController{origin: origin}
}

func (c *fakeController) Origin() *url.URL { return c.origin }

func (c *fakeController) SkipWaiting(context.Context) error {
	c.skipped.Add(1)
	return nil
}

func (c *fakeController) Claim(context.Context) error {
	c.claimed.Add(1)
	return nil
}

func (c *fakeController) EnableNavigationPreload(context.Context) error {
	c.preloadEnabled.Add(1)
	return nil
}

// spyStorage 统计对缓存的读取，用于断言绕过路径完全不触碰缓存。
type spyStorage struct {
	cache.Storage
	opens   atomic.Int32
	matches atomic.Int32
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	s.opens.Add(1)
	return s.Storage.Open(ctx, name)
}

func (s *spyStorage) Match(ctx context.Context, req *cache.Request, opts cache.MatchOptions) (*cache.Response, error) {
	s.matches.Add(1)
	return s.Storage.Match(ctx, req, opts)
}

type harness struct {
	storage    cache.Storage
	network    *fakeNetwork
	controller *fakeController
	worker     *Worker
}

func newHarness(t *testing.T, mode manifest.Mode) *harness {
	t.Helper()
	h := &harness{
		storage:    cache.NewMemoryStorage(),
		network:    newFakeNetwork(),
		controller: newFakeController(t),
	}
	h.worker = h.newWorker(t, mode, h.storage)
	return h
}

func (h *harness) newWorker(t *testing.T, mode manifest.Mode, storage cache.Storage) *Worker {
	t.Helper()
	w, err := New(storage, h.network, h.controller, newTestLogger(), Options{Mode: mode, Debug: true})
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	return w
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func htmlResponse(body string) *cache.Response {
	return cache.NewResponse(http.StatusOK, []byte(body), http.Header{"Content-Type": {"text/html; charset=utf-8"}})
}

func textResponse(contentType, body string) *cache.Response {
	return cache.NewResponse(http.StatusOK, []byte(body), http.Header{"Content-Type": {contentType}})
}

func getRequest(t *testing.T, rawURL string) *cache.Request {
	t.Helper()
	req, err := cache.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func putEntry(t *testing.T, storage cache.Storage, tier, rawURL string, resp *cache.Response) {
	t.Helper()
	c, err := storage.Open(context.Background(), tier)
	if err != nil {
		t.Fatalf("open tier error: %v", err)
	}
	if err := c.Put(context.Background(), getRequest(t, rawURL), resp); err != nil {
		t.Fatalf("put error: %v", err)
	}
}

func matchEntry(t *testing.T, storage cache.Storage, tier, rawURL string) (*cache.Response, bool) {
	t.Helper()
	c, err := storage.Open(context.Background(), tier)
	if err != nil {
		t.Fatalf("open tier error: %v", err)
	}
	resp, err := c.Match(context.Background(), getRequest(t, rawURL), cache.MatchOptions{})
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	return resp, true
}

var errDiskFull = errors.New("disk full")

// readOnlyStorage 打开的 tier 可正常读取，但所有写入都失败。
type readOnlyStorage struct {
	cache.Storage
	puts atomic.Int32
}

func (s *readOnlyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &readOnlyCache{Cache: c, puts: &s.puts}, nil
}

type readOnlyCache struct {
	cache.Cache
	puts *atomic.Int32
}

func (c *readOnlyCache) Put(context.Context, *cache.Request, *cache.Response) error {
	c.puts.Add(1)
	return errDiskFull
}
