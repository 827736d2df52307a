package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。重定向原样交给客户端处理。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// UpstreamNetwork 实现 worker.Network：站点请求改写到 Upstream，跨域请求直连原地址。
type UpstreamNetwork struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewUpstreamNetwork 构造网络能力；upstream 为空时直接访问 origin。
func NewUpstreamNetwork(client *http.Client, origin, upstream *url.URL) (*UpstreamNetwork, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if upstream == nil {
		upstream = origin
	}
	return &UpstreamNetwork{client: client, origin: origin, upstream: upstream}, nil
}

// Fetch 发送请求并把响应完整读入内存。响应类型按浏览器规则标记：
// 同源为 basic，跨域带 Access-Control-Allow-Origin 为 cors，其余为 opaque。
func (n *UpstreamNetwork) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	target := n.rewrite(req.URL)
	sameSite := cache.SameOrigin(req.URL, n.origin)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)

	out := cache.NewResponse(resp.StatusCode, payload, header)
	out.URL = req.URL.String()
	switch {
	case sameSite:
		out.Type = cache.TypeBasic
	case req.Mode != cache.ModeNoCORS && resp.Header.Get("Access-Control-Allow-Origin") != "":
		out.Type = cache.TypeCORS
	default:
		out.Type = cache.TypeOpaque
	}
	return out, nil
}

// rewrite 把站点 URL 映射到 upstream，保持路径与查询不变。
func (n *UpstreamNetwork) rewrite(u *url.URL) *url.URL {
	target := *u
	target.Fragment = ""
	target.RawFragment = ""
	if cache.SameOrigin(u, n.origin) {
		target.Scheme = n.upstream.Scheme
		target.Host = n.upstream.Host
	}
	return &target
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
