package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/logging"
	"github.com/qsw/qsw/internal/server"
	"github.com/qsw/qsw/internal/worker"
)

// SourcePassthrough 表示没有激活的 worker，请求直接交给网络。
const SourcePassthrough worker.Source = "passthrough"

const (
	headerSource        = "X-QSW-Source"
	headerPreload       = "Service-Worker-Navigation-Preload"
	headerSecFetchMode  = "Sec-Fetch-Mode"
	headerSecFetchDest  = "Sec-Fetch-Dest"
	headerAccept        = "Accept"
	preloadHeaderValue  = "true"
	upstreamFailedError = "upstream_failed"
)

// Runtime 是 Handler 依赖的宿主能力：当前激活的 worker 与预加载开关。
type Runtime interface {
	Active() *worker.Worker
	PreloadEnabled() bool
}

// Handler 把 Fiber 请求转换为 fetch 事件交给激活的 worker，并把结果写回客户端。
type Handler struct {
	runtime Runtime
	network worker.Network
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler with shared runtime/network/logger.
func NewHandler(runtime Runtime, network worker.Network, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		runtime: runtime,
		network: network,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。没有激活的 worker 时直接透传网络；
// 绕过缓存的请求在网络失败时返回 502，其余失败由 worker 的回退逻辑给出响应。
func (h *Handler) Handle(c fiber.Ctx, target *server.RequestTarget) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildRequest(c, target)

	var result worker.Result
	if active := h.runtime.Active(); active != nil {
		ev := &worker.FetchEvent{Request: req}
		if req.Mode == cache.ModeNavigate && req.Method == http.MethodGet && h.runtime.PreloadEnabled() {
			ev.Preload = startPreload(ctx, h.network, req)
		}
		result = active.Fetch(ctx, ev)
	} else {
		resp, err := h.network.Fetch(ctx, req)
		result = worker.Result{Response: resp, Source: SourcePassthrough, Err: err}
	}

	if result.Err != nil || result.Response == nil {
		err := result.Err
		if err == nil {
			err = errors.New("empty response")
		}
		h.logResult(req, requestID, result.Source, fiber.StatusBadGateway, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		c.Set(headerSource, string(result.Source))
		return h.writeError(c, fiber.StatusBadGateway, upstreamFailedError)
	}

	h.logResult(req, requestID, result.Source, result.Response.Status, started, nil)
	return writeResponse(c, result, requestID)
}

// buildRequest 根据 Sec-Fetch-* 头还原请求模式与目标类型。缺少 Sec-Fetch-Mode 时，
// 接受 text/html 的 GET 请求按导航处理，其余按 no-cors 处理。
func buildRequest(c fiber.Ctx, target *server.RequestTarget) *cache.Request {
	header := fiberHeadersAsHTTP(c)
	header.Del("Host")

	req := &cache.Request{
		Method:      strings.ToUpper(c.Method()),
		URL:         target.URL,
		Header:      header,
		Mode:        requestMode(c.Method(), header),
		Destination: strings.ToLower(header.Get(headerSecFetchDest)),
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		if body := c.Body(); len(body) > 0 {
			req.Body = append([]byte(nil), body...)
		}
	}
	return req
}

func requestMode(method string, header http.Header) cache.RequestMode {
	switch mode := cache.RequestMode(strings.ToLower(header.Get(headerSecFetchMode))); mode {
	case cache.ModeNavigate, cache.ModeSameOrigin, cache.ModeNoCORS, cache.ModeCORS:
		return mode
	}
	if strings.EqualFold(method, http.MethodGet) && strings.Contains(header.Get(headerAccept), "text/html") {
		return cache.ModeNavigate
	}
	return cache.ModeNoCORS
}

// startPreload 与浏览器的导航预加载一致：请求一到达就并行发起网络请求，
// worker 未命中缓存时再等待结果。
func startPreload(ctx context.Context, network worker.Network, req *cache.Request) func(context.Context) (*cache.Response, error) {
	type outcome struct {
		resp *cache.Response
		err  error
	}
	preloadReq := req.Clone()
	preloadReq.Header.Set(headerPreload, preloadHeaderValue)

	done := make(chan outcome, 1)
	go func() {
		resp, err := network.Fetch(ctx, preloadReq)
		done <- outcome{resp: resp, err: err}
	}()

	return func(waitCtx context.Context) (*cache.Response, error) {
		select {
		case out := <-done:
			return out.resp, out.err
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		}
	}
}

func writeResponse(c fiber.Ctx, result worker.Result, requestID string) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		c.Response().Header.SetContentLength(len(resp.Body))
		c.Response().SkipBody = true
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *cache.Request,
	requestID string,
	source worker.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		requestID,
		req.Method,
		req.URL.String(),
		string(req.Mode),
		string(source),
		status,
	)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
