package cache

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// urlKey 去掉 fragment，ignoreSearch 时连同 query 一起去掉。
func urlKey(u *url.URL, ignoreSearch bool) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if ignoreSearch {
		c.RawQuery = ""
		c.ForceQuery = false
	}
	return c.String()
}

// varyFields 解析 Vary 头，字段名统一为规范形式。
func varyFields(header http.Header) []string {
	var fields []string
	for _, value := range header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if field == "*" {
				fields = append(fields, "*")
				continue
			}
			fields = append(fields, textproto.CanonicalMIMEHeaderKey(field))
		}
	}
	return fields
}

func hasVaryWildcard(header http.Header) bool {
	for _, field := range varyFields(header) {
		if field == "*" {
			return true
		}
	}
	return false
}

// requestMatches 判断已存储的 stored/resp 是否满足 req 的查询条件。
func requestMatches(stored *Request, resp *Response, req *Request, opts MatchOptions) bool {
	if !opts.IgnoreMethod && req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	if urlKey(stored.URL, opts.IgnoreSearch) != urlKey(req.URL, opts.IgnoreSearch) {
		return false
	}
	if opts.IgnoreVary || resp == nil {
		return true
	}
	for _, field := range varyFields(resp.Header) {
		if field == "*" {
			return false
		}
		if stored.Header.Get(field) != req.Header.Get(field) {
			return false
		}
	}
	return true
}

// validatePut 校验写入前提：GET 请求且响应不带 Vary: *。
func validatePut(req *Request, resp *Response) error {
	if req == nil || req.URL == nil || resp == nil {
		return ErrInvalidEntry
	}
	if req.Method != http.MethodGet && req.Method != "" {
		return ErrUnsupportedMethod
	}
	if hasVaryWildcard(resp.Header) {
		return ErrVaryWildcard
	}
	return nil
}

// keyRequest 只保留 Vary 声明的请求头，避免把无关请求头写入存储。
func keyRequest(req *Request, resp *Response) *Request {
	stored := &Request{
		Method:      http.MethodGet,
		URL:         req.Clone().URL,
		Header:      make(http.Header),
		Mode:        req.Mode,
		Destination: req.Destination,
	}
	stored.URL.Fragment = ""
	stored.URL.RawFragment = ""
	for _, field := range varyFields(resp.Header) {
		if values := req.Header.Values(field); len(values) > 0 {
			stored.Header[field] = append([]string(nil), values...)
		}
	}
	return stored
}
