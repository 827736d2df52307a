package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestTarget 是路由中间件解析出的请求目标。
type RequestTarget struct {
	// URL 是 cache runtime 视角下的绝对请求 URL，始终位于站点 Origin 下。
	URL *url.URL
}

// ProxyHandler describes the component that answers a resolved request
// through the cache runtime. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *RequestTarget) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *RequestTarget) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *RequestTarget) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Route      *SiteRoute
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyTarget    = "_qsw_target"
	contextKeyRequestID = "_qsw_request_id"
)

// NewApp builds a Fiber application with request-id and target resolution
// middleware and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Route == nil {
		return nil, errors.New("site route is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		target, _ := getTargetFromContext(c)
		if target == nil {
			return renderHostInvalid(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host + RequestURI 解析请求目标。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		target, err := opts.Route.Target(rawHost, string(c.Request().RequestURI()))
		if err != nil {
			return renderHostInvalid(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyTarget, &RequestTarget{URL: target})
		return c.Next()
	}
}

func renderHostInvalid(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "target_resolve",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host invalid")

	if host != "" {
		c.Set("X-QSW-Host", host)
	}

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "host_invalid",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getTargetFromContext(c fiber.Ctx) (*RequestTarget, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*RequestTarget); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// DiagnosticsPaths 是由 routes 包注册、不经过代理的路径。
var DiagnosticsPaths = []string{"/-/status", "/-/reconcile"}

func isDiagnosticsPath(path string) bool {
	for _, candidate := range DiagnosticsPaths {
		if path == candidate {
			return true
		}
	}
	return false
}
