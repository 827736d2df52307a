package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/qsw/qsw/internal/manifest"
)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，generate/hash/serve 共用这一部分。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.LogMaxSize < 0 {
		return newFieldError(globalField("LogMaxSize"), "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxBackups"), "不能为负数")
	}
	if level := strings.ToLower(strings.TrimSpace(g.LogLevel)); level != "" {
		if _, ok := supportedLogLevels[level]; !ok {
			return newFieldError(globalField("LogLevel"), "仅支持 trace/debug/info/warn/error/fatal/panic")
		}
	}

	s := c.Site
	if strings.TrimSpace(s.Root) == "" {
		return newFieldError(siteField("Root"), "不能为空")
	}
	if _, err := manifest.ParseMode(s.Type); err != nil {
		return newFieldError(siteField("Type"), "仅支持 static|runtime")
	}
	if err := validateTierPart(s.CachePrefix); err != nil {
		return fmt.Errorf("%s: %w", siteField("CachePrefix"), err)
	}
	if err := validateTierPart(s.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", siteField("CacheVersion"), err)
	}
	if s.Origin != "" {
		if err := validateBaseURL(s.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField("Origin"), err)
		}
	}
	if s.Upstream != "" {
		if err := validateBaseURL(s.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField("Upstream"), err)
		}
	}
	return nil
}

// ValidateServe 在 Validate 的基础上补充 serve 命令所需的字段。
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Site.Origin == "" {
		return newFieldError(siteField("Origin"), "serve 模式必须配置")
	}
	if strings.TrimSpace(c.Site.ReconcileSchedule) == "" {
		return newFieldError(siteField("ReconcileSchedule"), "不能为空")
	}
	for _, alias := range c.Site.OriginAliases {
		if strings.ContainsAny(alias, "/ ") {
			return newFieldError(siteField("OriginAliases"), fmt.Sprintf("非法主机名: %q", alias))
		}
	}
	return nil
}

// validateTierPart 约束 tier 名称片段，避免生成的 tier 名与其它前缀混淆。
func validateTierPart(part string) error {
	if strings.TrimSpace(part) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(part, " /\\") {
		return errors.New("不允许包含空格或斜杠")
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}
