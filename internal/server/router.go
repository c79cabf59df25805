// Package server exposes the pipeline over HTTP.
package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
)

// Config configures the fiber app.
type Config struct {
	AppName string
	// AskTimeout bounds each /ask request. Zero disables it.
	AskTimeout time.Duration
	Logger     *slog.Logger
}

// New builds the fiber app with all routes registered.
func New(svc Service, cfg Config) *fiber.App {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("http")
	}
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return errorReply(c, fe.Code, apperrors.CodeUnknown, fe.Message)
			}
			log.Error("unhandled error", "path", c.Path(), "error", err)
			return errorReply(c, fiber.StatusInternalServerError, apperrors.CodeUnknown, "internal error")
		},
	})
	app.Use(recover.New())
	app.Use(requestLogger(log))

	Register(app, NewHandler(svc, cfg.AskTimeout, log))
	return app
}

// Register wires the API routes onto app.
func Register(app *fiber.App, h *Handler) {
	v1 := app.Group("/api").Group("/v1")

	v1.Get("/health", h.Health)
	v1.Get("/backends", h.Backends)
	v1.Post("/ask", h.Ask)
	v1.Post("/keys/check", h.CheckKeys)
}

func requestLogger(log *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, id)

		err := c.Next()
		log.Info("request",
			"request_id", id,
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
		return err
	}
}
