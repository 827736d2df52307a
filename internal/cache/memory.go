package cache

import (
	"context"
	"errors"
	"sync"
)

// NewMemoryStorage 返回进程内的 tier 存储，Keys 按创建顺序返回。
func NewMemoryStorage() Storage {
	return &memoryStorage{caches: make(map[string]*memoryCache)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: make(map[string]*memoryEntry)}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	s.mu.RLock()
	caches := make([]*memoryCache, 0, len(s.order))
	for _, name := range s.order {
		caches = append(caches, s.caches[name])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		resp, err := c.Match(ctx, req, opts)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

type memoryEntry struct {
	req  *Request
	resp *Response
}

// memoryCache 以去掉 fragment 的 URL 为键，同一键只保留最后一次写入。
type memoryCache struct {
	name string

	mu      sync.RWMutex
	order   []string
	entries map[string]*memoryEntry
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !opts.IgnoreSearch {
		entry, ok := c.entries[urlKey(req.URL, false)]
		if ok && requestMatches(entry.req, entry.resp, req, opts) {
			return entry.resp.Clone(), nil
		}
		return nil, ErrNotFound
	}
	for _, key := range c.order {
		entry := c.entries[key]
		if requestMatches(entry.req, entry.resp, req, opts) {
			return entry.resp.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCache) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePut(req, resp); err != nil {
		return err
	}
	stored := keyRequest(req, resp)
	key := urlKey(stored.URL, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.removeOrder(key)
	}
	c.entries[key] = &memoryEntry{req: stored, resp: resp.Clone()}
	c.order = append(c.order, key)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, req *Request, opts MatchOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req == nil || req.URL == nil {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for _, key := range append([]string(nil), c.order...) {
		entry := c.entries[key]
		if requestMatches(entry.req, entry.resp, req, opts) {
			delete(c.entries, key)
			c.removeOrder(key)
			removed = true
		}
	}
	return removed, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]*Request, 0, len(c.order))
	for _, key := range c.order {
		keys = append(keys, c.entries[key].req.Clone())
	}
	return keys, nil
}

func (c *memoryCache) removeOrder(key string) {
	for i, existing := range c.order {
		if existing == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
