package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 tier/来源/命中状态字段，供代理请求日志复用。
func RequestFields(requestID, method, url, mode, source string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"url":        url,
		"mode":       mode,
		"source":     source,
		"status":     status,
		"cache_hit":  source == "cache",
	}
}

// SiteFields 汇总站点级别的模式与 tier 信息，供启动与调度日志复用。
func SiteFields(mode, prefix, version, origin string) logrus.Fields {
	return logrus.Fields{
		"mode":    mode,
		"prefix":  prefix,
		"version": version,
		"origin":  origin,
	}
}
