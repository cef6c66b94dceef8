package mockapi

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/load-engine/pkg/logger"
)

// commonMiddleware 异常恢复、请求 ID 与访问日志
func commonMiddleware() []fiber.Handler {
	return []fiber.Handler{
		recover.New(recover.Config{EnableStackTrace: true}),
		requestid.New(),
		accessLog(),
	}
}

// accessLog 以 debug 级别记录每个请求，压测时默认不输出
func accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !logger.IsDebugEnabled() {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}
		logger.L().Named("mockapi").Debug("request",
			zap.String("id", c.GetRespHeader(fiber.HeaderXRequestID)),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}
