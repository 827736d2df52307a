package host

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
	"github.com/qsw/qsw/internal/worker"
)

// NetworkManifestSource 通过 worker.Network 拉取 manifest，每次请求附带毫秒时间戳绕过中间缓存。
type NetworkManifestSource struct {
	network worker.Network
	origin  *url.URL
	path    string
	now     func() time.Time
}

func NewNetworkManifestSource(network worker.Network, origin *url.URL) *NetworkManifestSource {
	return &NetworkManifestSource{
		network: network,
		origin:  origin,
		path:    worker.DefaultManifestPath,
		now:     time.Now,
	}
}

func (s *NetworkManifestSource) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	target := s.origin.ResolveReference(&url.URL{Path: s.path})
	target.RawQuery = strconv.FormatInt(s.now().UnixMilli(), 10)
	req := &cache.Request{Method: http.MethodGet, URL: target, Header: make(http.Header), Mode: cache.ModeCORS}

	resp, err := s.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", manifest.FileName, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetch %s: %d %s", manifest.FileName, resp.Status, resp.StatusText)
	}
	return manifest.Decode(resp.Body)
}
