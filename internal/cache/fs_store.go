package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qsw/qsw/internal/compression"
)

// entryExt 是条目文件的扩展名，临时文件以 "." 开头因此不会被列举。
const entryExt = ".entry"

// NewDiskStorage 以 basePath 为根目录构建磁盘 tier 存储。磁盘布局遵循：
//
//	<StoragePath>/<tier>/<sha1(url 去 query)>/<sha1(完整 url)>.entry
//
// 同一路径的不同 query 落在同一目录下，ignoreSearch 查询只需列举该目录。
// compressor 为 nil 时正文原样落盘。
func NewDiskStorage(basePath string, compressor *compression.Compressor) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath:   abs,
		compressor: compressor,
		locks:      make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，所有 tier 共用一份锁表。
type diskStorage struct {
	basePath   string
	compressor *compression.Compressor

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// diskRecord 是 .entry 文件的 JSON 结构，请求头仅保留 Vary 声明的字段。
type diskRecord struct {
	URL           string       `json:"url"`
	Mode          RequestMode  `json:"mode,omitempty"`
	Destination   string       `json:"destination,omitempty"`
	RequestHeader http.Header  `json:"request_header,omitempty"`
	Status        int          `json:"status"`
	StatusText    string       `json:"status_text,omitempty"`
	Header        http.Header  `json:"header,omitempty"`
	Type          ResponseType `json:"type"`
	ResponseURL   string       `json:"response_url,omitempty"`
	Encoding      string       `json:"encoding,omitempty"`
	Body          []byte       `json:"body"`
	StoredAt      time.Time    `json:"stored_at"`
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.tierDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache tier %s: %w", name, err)
	}
	return &diskCache{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.tierDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Delete 先把目录改名为隐藏目录再删除，改名之后该 tier 即不可见。
func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.tierDir(name)
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "tier")
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *diskStorage) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
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

func (s *diskStorage) tierDir(name string) (string, error) {
	if name == "" {
		return "", errors.New("cache name required")
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache name")
	}
	return dir, nil
}

func (s *diskStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type diskCache struct {
	storage *diskStorage
	name    string
	dir     string
}

func (c *diskCache) Name() string {
	return c.name
}

func (c *diskCache) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}

	if !opts.IgnoreSearch {
		record, err := c.read(c.entryPath(req.URL))
		if err != nil {
			return nil, err
		}
		stored, resp, err := c.decode(record)
		if err != nil {
			return nil, err
		}
		if !requestMatches(stored, resp, req, opts) {
			return nil, ErrNotFound
		}
		return resp, nil
	}

	paths, err := c.listGroup(req.URL)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		record, err := c.read(path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stored, resp, err := c.decode(record)
		if err != nil {
			return nil, err
		}
		if requestMatches(stored, resp, req, opts) {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

func (c *diskCache) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePut(req, resp); err != nil {
		return err
	}
	stored := keyRequest(req, resp)
	filePath := c.entryPath(stored.URL)

	unlock := c.storage.lockEntry(filePath)
	defer unlock()

	record := diskRecord{
		URL:           stored.URL.String(),
		Mode:          stored.Mode,
		Destination:   stored.Destination,
		RequestHeader: stored.Header,
		Status:        resp.Status,
		StatusText:    resp.StatusText,
		Header:        resp.Header,
		Type:          resp.Type,
		ResponseURL:   resp.URL,
		Body:          resp.Body,
		StoredAt:      time.Now().UTC(),
	}
	if packed, compressed := c.storage.compressor.Compress(resp.Body); compressed {
		record.Body = packed
		record.Encoding = "zstd"
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *diskCache) Delete(ctx context.Context, req *Request, opts MatchOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req == nil || req.URL == nil {
		return false, nil
	}

	var candidates []string
	if opts.IgnoreSearch {
		paths, err := c.listGroup(req.URL)
		if err != nil {
			return false, err
		}
		candidates = paths
	} else {
		candidates = []string{c.entryPath(req.URL)}
	}

	removed := false
	for _, path := range candidates {
		record, err := c.read(path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		stored, resp, err := c.decode(record)
		if err != nil {
			return removed, err
		}
		if !requestMatches(stored, resp, req, opts) {
			continue
		}
		unlock := c.storage.lockEntry(path)
		err = os.Remove(path)
		unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed = true
	}
	return removed, nil
}

func (c *diskCache) Keys(ctx context.Context) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []*Request
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		record, err := c.read(path)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, _, err := c.decode(record)
		if err != nil {
			return err
		}
		keys = append(keys, stored)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

func (c *diskCache) entryPath(u *url.URL) string {
	return filepath.Join(c.dir, digest(urlKey(u, true)), digest(urlKey(u, false))+entryExt)
}

// listGroup 返回与 u 同路径（忽略 query）的全部条目文件，按文件名排序。
func (c *diskCache) listGroup(u *url.URL) ([]string, error) {
	group := filepath.Join(c.dir, digest(urlKey(u, true)))
	entries, err := os.ReadDir(group)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), entryExt) {
			continue
		}
		paths = append(paths, filepath.Join(group, entry.Name()))
	}
	return paths, nil
}

func (c *diskCache) read(path string) (*diskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record diskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", path, err)
	}
	return &record, nil
}

func (c *diskCache) decode(record *diskRecord) (*Request, *Response, error) {
	u, err := url.Parse(record.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("decode cache entry url: %w", err)
	}
	body := record.Body
	if record.Encoding == "zstd" {
		body, err = c.storage.compressor.Decompress(body)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress cache entry: %w", err)
		}
	}
	header := record.RequestHeader
	if header == nil {
		header = make(http.Header)
	}
	respHeader := record.Header
	if respHeader == nil {
		respHeader = make(http.Header)
	}
	req := &Request{
		Method:      http.MethodGet,
		URL:         u,
		Header:      header,
		Mode:        record.Mode,
		Destination: record.Destination,
	}
	resp := &Response{
		Status:     record.Status,
		StatusText: record.StatusText,
		Header:     respHeader,
		Body:       body,
		Type:       record.Type,
		URL:        record.ResponseURL,
	}
	return req, resp, nil
}

func digest(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
