package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
)

// SiteRuntime 将站点配置解析为运行时可以直接使用的类型。
type SiteRuntime struct {
	Config   SiteConfig
	Mode     manifest.Mode
	Origin   *url.URL
	Upstream *url.URL
}

// BuildSiteRuntime 解析模式与来源地址；Origin 为空时只填充 Mode（generate/hash 场景）。
func BuildSiteRuntime(cfg SiteConfig) (SiteRuntime, error) {
	mode, err := manifest.ParseMode(cfg.Type)
	if err != nil {
		return SiteRuntime{}, err
	}
	rt := SiteRuntime{Config: cfg, Mode: mode}
	if cfg.Origin == "" {
		return rt, nil
	}
	if rt.Origin, err = url.Parse(cfg.Origin); err != nil {
		return SiteRuntime{}, fmt.Errorf("解析 Origin 失败: %w", err)
	}
	upstream := cfg.Upstream
	if upstream == "" {
		upstream = cfg.Origin
	}
	if rt.Upstream, err = url.Parse(upstream); err != nil {
		return SiteRuntime{}, fmt.Errorf("解析 Upstream 失败: %w", err)
	}
	return rt, nil
}

// MatchesOrigin 判断请求 Host 是否指向站点本身。Origin 按 scheme 补全缺省端口后比较，
// 别名带端口时端口也必须一致，不带端口时匹配任意端口。主机名不区分大小写。
func (rt SiteRuntime) MatchesOrigin(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if rt.Origin != nil && cache.SameOrigin(&url.URL{Scheme: rt.Origin.Scheme, Host: host}, rt.Origin) {
		return true
	}
	hostname, port := splitHostPort(host)
	for _, alias := range rt.Config.OriginAliases {
		aliasName, aliasPort := splitHostPort(strings.ToLower(strings.TrimSpace(alias)))
		if aliasName == "" || aliasName != hostname {
			continue
		}
		if aliasPort == "" || aliasPort == port {
			return true
		}
	}
	return false
}

func splitHostPort(host string) (string, string) {
	u := &url.URL{Host: host}
	return u.Hostname(), u.Port()
}
