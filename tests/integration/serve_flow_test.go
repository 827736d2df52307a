package integration

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
	"github.com/qsw/qsw/internal/reconciler"
)

func TestStaticModePrecachesBuildAndServesOffline(t *testing.T) {
	env := newServeEnv(t, manifest.ModeStatic, map[string]string{
		"index.html":   "<html>home</html>",
		"offline.html": "<html>offline</html>",
		"app.js":       "console.log('app')",
		"css/site.css": "body{margin:0}",
	})

	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	status := env.status(t)
	if !reflect.DeepEqual(status.Tiers, []string{"QSW-STATIC-v1"}) {
		t.Fatalf("static mode should only create the static tier, got %v", status.Tiers)
	}

	env.stub.setDown(true)

	resp, body := env.get(t, "/app.js", scriptRequest)
	if resp.StatusCode != http.StatusOK || body != "console.log('app')" {
		t.Fatalf("precached script should be served offline, got %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-QSW-Source"); src != "cache" {
		t.Fatalf("expected cache source, got %s", src)
	}

	resp, body = env.get(t, "/css/site.css?v=9", http.Header{"Sec-Fetch-Dest": {"style"}})
	if resp.StatusCode != http.StatusOK || body != "body{margin:0}" {
		t.Fatalf("query variant should fall back to the precached stylesheet, got %d %s", resp.StatusCode, body)
	}

	resp, body = env.get(t, "/orders/42", navigationRequest)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "offline") {
		t.Fatalf("navigation should fall back to the offline page, got %d %s", resp.StatusCode, body)
	}

	resp, _ = env.get(t, "/api/data.json", http.Header{"Sec-Fetch-Mode": {"cors"}})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("uncached resource should be unavailable offline, got %d", resp.StatusCode)
	}
}

func TestRuntimeModeCachesOnFirstUse(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{
		"index.html": "<html>home</html>",
		"app.js":     "console.log('v1')",
	})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}

	resp, _ := env.get(t, "/app.js", scriptRequest)
	if src := resp.Header.Get("X-QSW-Source"); src != "network" {
		t.Fatalf("first request should come from network, got %s", src)
	}
	before := env.stub.requestCount("/app.js")

	resp, body := env.get(t, "/app.js", scriptRequest)
	if src := resp.Header.Get("X-QSW-Source"); src != "cache" || body != "console.log('v1')" {
		t.Fatalf("second request should be served from cache, got %s %s", src, body)
	}
	if env.stub.requestCount("/app.js") != before {
		t.Fatalf("cache hit must not reach the upstream")
	}

	env.stub.setDown(true)
	resp, body = env.get(t, "/somewhere", navigationRequest)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "offline") {
		t.Fatalf("navigation should fall back to the generated offline page, got %d %s", resp.StatusCode, body)
	}
}

func TestVersionDriftResetsCache(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{
		"index.html": "<html>home</html>",
		"app.js":     "console.log('v1')",
	})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	firstHash := env.status(t).StoredHash
	env.get(t, "/app.js", scriptRequest)

	newHash := env.redeploy(t, map[string]string{"app.js": "console.log('v2')"})
	if newHash == firstHash {
		t.Fatalf("redeploy should change the hash")
	}

	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeVersionDrift {
		t.Fatalf("expected version drift, got %s", outcome)
	}
	status := env.status(t)
	if status.StoredHash != newHash {
		t.Fatalf("stored hash should follow the new deployment: %s vs %s", status.StoredHash, newHash)
	}
	if status.WorkerState != "active" {
		t.Fatalf("worker should be re-registered, got %s", status.WorkerState)
	}

	tier, err := env.storage.Open(context.Background(), "QSW-RUNTIME-v1")
	if err != nil {
		t.Fatalf("open runtime tier: %v", err)
	}
	req, _ := cache.NewRequest("GET", siteOrigin+"/app.js")
	if _, err := tier.Match(context.Background(), req, cache.MatchOptions{}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("old runtime entries must be dropped, got %v", err)
	}

	_, body := env.get(t, "/app.js", scriptRequest)
	if body != "console.log('v2')" {
		t.Fatalf("new deployment should be served, got %s", body)
	}
}

func TestUnregisterFlagTearsDown(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{"index.html": "<html></html>"})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}

	writeFiles(t, env.root, map[string]string{manifest.FileName: `{"hash":"x","unregister":true}`})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeUnregistered {
		t.Fatalf("expected unregistered, got %s", outcome)
	}
	status := env.status(t)
	if status.WorkerState != "none" || status.StoredHash != "" || len(status.Tiers) != 0 {
		t.Fatalf("teardown should clear everything, got %+v", status)
	}

	resp, _ := env.get(t, "/index.html", nil)
	if src := resp.Header.Get("X-QSW-Source"); src != "passthrough" {
		t.Fatalf("requests should pass through without a worker, got %s", src)
	}
}

func TestDisableFlagLeavesStateAlone(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{"index.html": "<html></html>"})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	before := env.status(t)

	writeFiles(t, env.root, map[string]string{manifest.FileName: `{"hash":"other","disable":true}`})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeDisabled {
		t.Fatalf("expected disabled, got %s", outcome)
	}
	after := env.status(t)
	if after.StoredHash != before.StoredHash || after.WorkerID != before.WorkerID {
		t.Fatalf("disable must not touch registration or stored hash")
	}
}

func TestManifestOutageKeepsServingCache(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{"app.js": "console.log(1)"})
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeRegistered {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	env.get(t, "/app.js", scriptRequest)

	env.stub.setDown(true)
	if outcome := env.host.Reconcile(context.Background()); outcome != reconciler.OutcomeFailed {
		t.Fatalf("expected failed outcome while offline, got %s", outcome)
	}
	resp, body := env.get(t, "/app.js", scriptRequest)
	if resp.StatusCode != http.StatusOK || body != "console.log(1)" {
		t.Fatalf("active worker should keep serving cache, got %d %s", resp.StatusCode, body)
	}
}

func TestStatusRouteReportsWorker(t *testing.T) {
	env := newServeEnv(t, manifest.ModeRuntime, map[string]string{"index.html": "<html></html>"})
	env.host.Reconcile(context.Background())

	resp, body := env.get(t, "/-/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status route failed: %d", resp.StatusCode)
	}
	for _, want := range []string{`"worker_state":"active"`, `"mode":"runtime"`, `QSW-RUNTIME-v1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("status payload missing %s: %s", want, body)
		}
	}
}
