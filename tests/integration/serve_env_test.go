package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/compression"
	"github.com/qsw/qsw/internal/config"
	"github.com/qsw/qsw/internal/generator"
	"github.com/qsw/qsw/internal/host"
	"github.com/qsw/qsw/internal/manifest"
	"github.com/qsw/qsw/internal/proxy"
	"github.com/qsw/qsw/internal/server"
	"github.com/qsw/qsw/internal/server/routes"
)

const siteOrigin = "https://shop.example.com"

// serveEnv 按 serve 命令的顺序装配磁盘缓存、上游网络、宿主与 Fiber 应用。
type serveEnv struct {
	app     *fiber.App
	host    *host.Host
	storage cache.Storage
	stub    *siteStub
	root    string
	mode    manifest.Mode
}

func newServeEnv(t *testing.T, mode manifest.Mode, files map[string]string) *serveEnv {
	t.Helper()

	root := t.TempDir()
	writeFiles(t, root, files)
	generateBuild(t, root, mode)
	stub := newSiteStub(t, root)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			CompressEntries: true,
			UpstreamTimeout: config.Duration(5e9),
		},
		Site: config.SiteConfig{
			Root:          root,
			Type:          string(mode),
			CachePrefix:   cache.DefaultPrefix,
			CacheVersion:  cache.DefaultVersion,
			Origin:        siteOrigin,
			OriginAliases: []string{"localhost"},
			Upstream:      stub.URL,
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	route, err := server.NewSiteRoute(cfg)
	if err != nil {
		t.Fatalf("site route: %v", err)
	}
	compressor, err := compression.NewCompressor(2, true)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	t.Cleanup(func() { _ = compressor.Close() })

	storage, err := cache.NewDiskStorage(filepath.Join(cfg.Global.StoragePath, "tiers"), compressor)
	if err != nil {
		t.Fatalf("disk storage: %v", err)
	}
	network, err := server.NewUpstreamNetwork(server.NewUpstreamClient(cfg), route.Site.Origin, route.Site.Upstream)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	h, err := host.New(storage, network,
		host.NewFileHashStore(filepath.Join(cfg.Global.StoragePath, "state", "apphash")), nil, logger,
		host.Options{Origin: route.Site.Origin, Mode: mode})
	if err != nil {
		t.Fatalf("host: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewHandler(h, network, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	routes.RegisterStatusRoutes(app, h)

	return &serveEnv{app: app, host: h, storage: storage, stub: stub, root: root, mode: mode}
}

// redeploy 改写构建目录并重新生成产物，返回新的摘要。
func (e *serveEnv) redeploy(t *testing.T, files map[string]string) string {
	t.Helper()
	writeFiles(t, e.root, files)
	return generateBuild(t, e.root, e.mode)
}

func (e *serveEnv) get(t *testing.T, target string, header http.Header) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest("GET", "http://localhost:5000"+target, nil)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (e *serveEnv) status(t *testing.T) host.Status {
	t.Helper()
	status, err := e.host.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return status
}

func generateBuild(t *testing.T, root string, mode manifest.Mode) string {
	t.Helper()
	result, err := generator.Generate(generator.Options{Root: root, Type: string(mode), Uncompressed: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return result.Dir.Hash
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

var scriptRequest = http.Header{"Sec-Fetch-Dest": {"script"}, "Sec-Fetch-Mode": {"no-cors"}}

var navigationRequest = http.Header{"Sec-Fetch-Dest": {"document"}, "Sec-Fetch-Mode": {"navigate"}, "Accept": {"text/html"}}
