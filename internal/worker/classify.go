package worker

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/qsw/qsw/internal/cache"
)

// sensitiveHeaders 出现任意一个即绕过缓存，无论取值。
var sensitiveHeaders = []string{"authorization", "cookie", "x-csrf-token", "x-requested-with"}

var cacheableDestinations = map[string]struct{}{
	"font":   {},
	"image":  {},
	"script": {},
	"style":  {},
	"audio":  {},
	"video":  {},
	"track":  {},
}

var (
	extensionPattern   = regexp.MustCompile(`(?i)\.(js|css|png|jpg|jpeg|gif|svg|woff|woff2|ttf|eot|ico|webp|avif|html|htm|json|xml|txt)$`)
	contentTypePattern = regexp.MustCompile(`(?i)^(text/(html|css|javascript|plain|xml|json)|application/(javascript|json|xml)|image/|font/|audio/|video/)`)
)

// hasSensitiveHeaders 判断请求是否携带凭据类请求头。
func hasSensitiveHeaders(header http.Header) bool {
	for name := range header {
		for _, sensitive := range sensitiveHeaders {
			if strings.EqualFold(name, sensitive) {
				return true
			}
		}
	}
	return false
}

// shouldCache 判断网络响应是否值得写入 RUNTIME：资源类 destination、HTML 页面、
// 扩展名或 Content-Type 命中任一条件即可。Cache-Control 不参与判断。
func shouldCache(req *cache.Request, resp *cache.Response) bool {
	if _, ok := cacheableDestinations[req.Destination]; ok {
		return true
	}
	contentType := resp.Header.Get("Content-Type")
	if req.Mode == cache.ModeNavigate || req.Destination == "document" || strings.HasPrefix(contentType, "text/html") {
		return true
	}
	if extensionPattern.MatchString(requestURL(req)) {
		return true
	}
	return contentTypePattern.MatchString(contentType)
}

// storableType 只有 basic 与 cors 响应可以被克隆写入。
func storableType(resp *cache.Response) bool {
	return resp.Type == cache.TypeBasic || resp.Type == cache.TypeCORS
}

// requestURL 返回去掉 fragment 的完整 URL，扩展名匹配作用于包含 query 的整个 URL。
func requestURL(req *cache.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
