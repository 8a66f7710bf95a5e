package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	logx "postbot/pkg/logx"
)

func (s *Server) auth() fiber.Handler {
	want := []byte(s.cfg.Token)
	return func(c *fiber.Ctx) error {
		if len(want) == 0 {
			return c.Next()
		}
		got, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid token"})
		}
		return c.Next()
	}
}

func (s *Server) requestLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		s.log.Debug("api request",
			logx.String("method", c.Method()),
			logx.String("path", c.Path()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		)
		return err
	}
}

func (s *Server) recoverer() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("api handler panic",
					logx.String("path", c.Path()),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("panic: %v", r))
			}
		}()
		return c.Next()
	}
}
