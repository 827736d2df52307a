package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/qsw/qsw/internal/host"
	"github.com/qsw/qsw/internal/reconciler"
)

// Diagnostics 是诊断接口依赖的宿主能力，测试中可替换为假实现。
type Diagnostics interface {
	Status(ctx context.Context) (host.Status, error)
	Reconcile(ctx context.Context) reconciler.Outcome
}

// RegisterStatusRoutes 暴露 /-/status 与 /-/reconcile 诊断接口，供运维查看 worker 与 tier 状态。
func RegisterStatusRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil || diag == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := diag.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "status_unavailable",
				"detail": err.Error(),
			})
		}
		return c.JSON(status)
	})

	app.Post("/-/reconcile", func(c fiber.Ctx) error {
		outcome := diag.Reconcile(c.Context())
		code := fiber.StatusOK
		if outcome == reconciler.OutcomeFailed {
			code = fiber.StatusBadGateway
		}
		return c.Status(code).JSON(fiber.Map{"outcome": string(outcome)})
	})
}
