package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// RequestMode 对应浏览器 fetch 的 request.mode。
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// ResponseType 对应浏览器 fetch 的 response.type。
type ResponseType string

const (
	TypeBasic   ResponseType = "basic"
	TypeCORS    ResponseType = "cors"
	TypeOpaque  ResponseType = "opaque"
	TypeError   ResponseType = "error"
	TypeDefault ResponseType = "default"
)

var (
	// ErrNotFound 表示缓存未命中。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示尝试写入非 GET 请求。
	ErrUnsupportedMethod = errors.New("cache put requires GET request")
	// ErrVaryWildcard 表示响应声明了 Vary: *，无法被缓存。
	ErrVaryWildcard = errors.New("response with Vary: * cannot be cached")
	// ErrInvalidEntry 表示写入时缺少请求 URL 或响应。
	ErrInvalidEntry = errors.New("cache put requires request url and response")
)

// Request 是一次拦截到的请求的快照。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        RequestMode
	Destination string
	// Body 只在绕过缓存的非 GET 请求中转发给网络，从不写入 tier。
	Body []byte
}

// NewRequest 解析 rawURL 构造请求，method 为空时视为 GET。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeCORS,
	}, nil
}

// Clone 深拷贝 URL 与 Header。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response 是一次完整读入内存的响应快照。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
}

// NewResponse 构造 basic 类型的响应。
func NewResponse(status int, body []byte, header http.Header) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		Body:       body,
		Type:       TypeBasic,
	}
}

// OK 与 fetch 的 response.ok 一致：2xx 即为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝 Header 与 Body，存储层与调用方互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// MatchOptions 对应 Cache API 的 CacheQueryOptions。
type MatchOptions struct {
	IgnoreSearch bool
	IgnoreMethod bool
	IgnoreVary   bool
}

// Cache 是单个命名 tier。
type Cache interface {
	Name() string
	// Match 返回第一个匹配的响应副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error)
	// Put 以 req 为键原子写入 resp，同键后写覆盖先写。
	Put(ctx context.Context, req *Request, resp *Response) error
	// Delete 删除所有匹配的条目，返回是否删除了任何条目。
	Delete(ctx context.Context, req *Request, opts MatchOptions) (bool, error)
	// Keys 返回已存储的请求。
	Keys(ctx context.Context) ([]*Request, error)
}

// Storage 管理全部命名 tier。
type Storage interface {
	// Keys 返回所有 tier 名称。
	Keys(ctx context.Context) ([]string, error)
	// Open 打开（必要时创建）指定 tier。
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除整个 tier，返回其此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
	// Match 按 Keys 顺序在所有 tier 中查找。
	Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error)
}
