package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qsw/qsw/internal/config"
	"github.com/qsw/qsw/internal/generator"
	"github.com/qsw/qsw/internal/manifest"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv(configEnvKey, "/tmp/env.toml")

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	if got := resolveConfigPath(cmd); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}

	if err := cmd.Flags().Set("config", "/tmp/flag.toml"); err != nil {
		t.Fatalf("设置 flag 失败: %v", err)
	}
	if got := resolveConfigPath(cmd); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run([]string{"serve", "--check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run([]string{"serve", "--check-config", "--config", configFixture(t, "missing.toml")})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunServeRequiresOrigin(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnvKey, "")
	code := run([]string{"serve", "--check-config", "--storage", t.TempDir()})
	if code != 1 {
		t.Fatalf("缺少 origin 应返回退出码 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "Origin") {
		t.Fatalf("错误信息应指出 Origin 字段: %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "qsw") {
		t.Fatalf("version 输出应包含 qsw 标识")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	useBufferWriters(t)
	if code := run([]string{"deploy"}); code != 2 {
		t.Fatalf("未知子命令应返回退出码 2，得到 %d", code)
	}
}

func TestRunGenerateWritesArtifacts(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnvKey, "")
	root := writeBuild(t, map[string]string{"index.html": "<html></html>", "app.js": "console.log(1)"})

	code := run([]string{"generate", "--root", root, "--type", "static", "--uncompressed"})
	if code != 0 {
		t.Fatalf("generate 应成功，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	out := stdOutBuffer().String()
	for _, want := range []string{"ROOT: " + root, "TYPE: static", "UNCOMPRESSED: True", "generated"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q: %s", want, out)
		}
	}

	raw, err := os.ReadFile(filepath.Join(root, manifest.FileName))
	if err != nil {
		t.Fatalf("apphash.json 应被写入: %v", err)
	}
	doc, err := manifest.Decode(raw)
	if err != nil || doc.Validate(manifest.ModeStatic) != nil {
		t.Fatalf("apphash.json 无效: %s", raw)
	}
	if _, err := os.Stat(filepath.Join(root, generator.ScriptFileName)); err != nil {
		t.Fatalf("脚本应被写入: %v", err)
	}
}

func TestRunGenerateRejectsMissingRoot(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnvKey, "")
	code := run([]string{"generate", "--root", filepath.Join(t.TempDir(), "missing")})
	if code != 1 {
		t.Fatalf("缺失目录应返回退出码 1，得到 %d", code)
	}
}

func TestRunHashMatchesGeneratedManifest(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnvKey, "")
	root := writeBuild(t, map[string]string{"index.html": "<html></html>"})

	if code := run([]string{"hash", "--root", root, "--json"}); code != 0 {
		t.Fatalf("hash 应成功，得到 %d", code)
	}
	doc, err := manifest.Decode([]byte(strings.TrimSpace(stdOutBuffer().String())))
	if err != nil {
		t.Fatalf("hash --json 输出无效: %v", err)
	}
	info, err := manifest.Build(root)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if doc.Hash != info.Hash {
		t.Fatalf("hash mismatch: %s vs %s", doc.Hash, info.Hash)
	}
}

func TestBuildServeStackServesThroughRuntime(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apphash.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"hash":"H1"}`)
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "offline")
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     t.TempDir(),
			CompressEntries: true,
			UpstreamTimeout: config.Duration(5e9),
		},
		Site: config.SiteConfig{
			Root:              "build",
			Type:              "runtime",
			CachePrefix:       "QSW",
			CacheVersion:      "v1",
			Origin:            "https://shop.example.com",
			OriginAliases:     []string{"localhost"},
			Upstream:          upstream.URL,
			ReconcileSchedule: "@every 1h",
		},
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	stack, err := buildServeStack(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	defer stack.Close()

	if stack.host.Active() == nil {
		t.Fatalf("startup reconcile should activate a worker")
	}

	resp, err := stack.app.Test(httptest.NewRequest("GET", "http://localhost:5000/-/status", nil))
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"stored_hash":"H1"`) {
		t.Fatalf("unexpected status %d %s", resp.StatusCode, body)
	}
	if _, err := os.Stat(filepath.Join(cfg.Global.StoragePath, "state", "apphash")); err != nil {
		t.Fatalf("hash should be persisted: %v", err)
	}
}

func writeBuild(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir error: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}
	return root
}
