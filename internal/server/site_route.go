package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/qsw/qsw/internal/config"
)

// SiteRoute 记录站点解析结果，供路由层把每个请求还原为浏览器视角的绝对 URL。
type SiteRoute struct {
	// Site 是解析后的站点运行时配置，Origin/Upstream 均为绝对 URL。
	Site config.SiteRuntime
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// NewSiteRoute 根据配置构建站点路由。serve 启动阶段创建一次并复用。
func NewSiteRoute(cfg *config.Config) (*SiteRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	rt, err := config.BuildSiteRuntime(cfg.Site)
	if err != nil {
		return nil, err
	}
	if rt.Origin == nil {
		return nil, errors.New("site origin is required")
	}
	return &SiteRoute{Site: rt, ListenPort: cfg.Global.ListenPort}, nil
}

// ErrForeignHost 表示请求 Host 既不是 Origin 也不在别名列表中。
var ErrForeignHost = errors.New("host does not belong to the site")

// Target 把 Host 与 RequestURI 解析为站点 Origin 下的绝对 URL。
// 只接受指向站点（或别名）的 Host，其它 Host 返回 ErrForeignHost，边缘不会替客户端访问任意主机。
func (r *SiteRoute) Target(host, requestURI string) (*url.URL, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, errors.New("missing host")
	}
	if !r.Site.MatchesOrigin(host) {
		return nil, fmt.Errorf("%w: %s", ErrForeignHost, host)
	}
	if !strings.HasPrefix(requestURI, "/") {
		// 代理形式的绝对 URI：只取 path + query。
		if parsed, err := url.Parse(requestURI); err == nil && parsed.IsAbs() {
			requestURI = parsed.RequestURI()
		}
	}
	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", requestURI, err)
	}

	target := *r.Site.Origin
	target.Path = ref.Path
	target.RawPath = ref.RawPath
	target.RawQuery = ref.RawQuery
	return &target, nil
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
