package cache

import "strings"

// Tier 区分预缓存与运行时缓存。
type Tier string

const (
	TierStatic  Tier = "STATIC"
	TierRuntime Tier = "RUNTIME"
)

const (
	DefaultPrefix  = "QSW"
	DefaultVersion = "v1"
)

// TierName 生成 "<prefix>-<tier>-<version>" 形式的 tier 名称。
func TierName(prefix string, tier Tier, version string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if version == "" {
		version = DefaultVersion
	}
	return prefix + "-" + string(tier) + "-" + version
}

// IsOwnTier 判断 name 是否为 prefix 下的 STATIC/RUNTIME tier（任意版本），其它来源的 tier 一律不动。
func IsOwnTier(prefix, name string) bool {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for _, tier := range []Tier{TierStatic, TierRuntime} {
		if strings.HasPrefix(name, prefix+"-"+string(tier)+"-") {
			return true
		}
	}
	return false
}
