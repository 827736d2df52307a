package cache

import (
	"net/url"
	"strings"
)

// SameOrigin 比较 scheme、主机与端口；主机不区分大小写，缺省端口按 scheme 补全。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && EffectivePort(a) == EffectivePort(b)
}

// EffectivePort 返回显式端口，未指定时按 scheme 返回默认端口。
func EffectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return "443"
	case "http", "ws":
		return "80"
	}
	return ""
}
