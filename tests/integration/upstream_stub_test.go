package integration

import (
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
)

// siteStub 以构建目录作为站点上游，可随时切换目录模拟重新部署，或切断连接模拟离线。
type siteStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	root     string
	down     bool
	requests []RecordedRequest
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
}

func newSiteStub(t *testing.T, root string) *siteStub {
	t.Helper()

	stub := &siteStub{root: root}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		down := stub.down
		dir := stub.root
		stub.requests = append(stub.requests, RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Headers: r.Header.Clone(),
		})
		stub.mu.Unlock()

		if down {
			panic(http.ErrAbortHandler)
		}
		serveBuildFile(w, r, dir)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start site stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

// serveBuildFile 直接返回文件内容，不做 index.html 重定向。
func serveBuildFile(w http.ResponseWriter, r *http.Request, dir string) {
	name := path.Clean(r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = w.Write(data)
}

func (s *siteStub) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *siteStub) requestCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Path == path {
			count++
		}
	}
	return count
}

func (s *siteStub) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
}
