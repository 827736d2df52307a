package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys 把命令行标志映射到配置键。标志只有在显式设置时才覆盖配置文件。
var flagKeys = map[string]string{
	"root":          "Root",
	"type":          "Type",
	"debug":         "Debug",
	"uncompressed":  "Uncompressed",
	"prefix":        "CachePrefix",
	"cache-version": "CacheVersion",
	"origin":        "Origin",
	"upstream":      "Upstream",
	"listen-port":   "ListenPort",
	"storage":       "StoragePath",
	"log-level":     "LogLevel",
	"schedule":      "ReconcileSchedule",
}

// bindFlags 绑定 flags 中存在的标志，未注册的标志直接跳过。
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("绑定参数 --%s 失败: %w", name, err)
		}
	}
	return nil
}
