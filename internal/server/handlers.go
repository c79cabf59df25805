package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/johnayoung/mergemind/internal/app"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/output"
	"github.com/johnayoung/mergemind/internal/pipeline"
)

// Service is what the handlers need from internal/app.
type Service interface {
	Ask(ctx context.Context, req app.Request) (*pipeline.Result, error)
	CheckKeys(ctx context.Context, spec string) ([]pipeline.KeyCheck, error)
	Backends() []app.BackendInfo
}

// Handler serves the API.
type Handler struct {
	svc     Service
	timeout time.Duration
	log     *slog.Logger
	started time.Time
}

// NewHandler creates a handler. timeout bounds each ask request; zero means
// no bound beyond the pipeline's own timeouts.
func NewHandler(svc Service, timeout time.Duration, log *slog.Logger) *Handler {
	return &Handler{svc: svc, timeout: timeout, log: log, started: time.Now()}
}

type askRequest struct {
	Question  string   `json:"question"`
	Backends  []string `json:"backends"`
	Strategy  string   `json:"strategy"`
	CheckKeys bool     `json:"check_keys"`
}

type keysRequest struct {
	Backends []string `json:"backends"`
}

// Health reports liveness.
func (h *Handler) Health(c *fiber.Ctx) error {
	return jsonReply(c, fiber.StatusOK, fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Backends lists the configured backends and whether they have keys.
func (h *Handler) Backends(c *fiber.Ctx) error {
	return jsonReply(c, fiber.StatusOK, fiber.Map{"backends": h.svc.Backends()})
}

// Ask runs one question through the pipeline. The reply is always a run
// document; its error field is set when no verdict was produced.
func (h *Handler) Ask(c *fiber.Ctx) error {
	var req askRequest
	if err := c.BodyParser(&req); err != nil {
		return errorReply(c, fiber.StatusBadRequest, apperrors.CodeInvalidPrompt, "invalid JSON body")
	}

	ctx := c.UserContext()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.svc.Ask(ctx, app.Request{
		Question:  req.Question,
		Backends:  strings.Join(req.Backends, ","),
		Strategy:  req.Strategy,
		CheckKeys: req.CheckKeys,
	})
	if err != nil && res == nil {
		h.log.Warn("ask rejected", "code", apperrors.CodeOf(err), "error", err)
		return appErrorReply(c, err)
	}
	if err != nil {
		h.log.Warn("ask failed", "run_id", res.RunID, "code", apperrors.CodeOf(err), "error", err)
	}
	return jsonReply(c, StatusFor(err), output.FromResult(res, err))
}

// CheckKeys pings the requested backends, or the default selection.
func (h *Handler) CheckKeys(c *fiber.Ctx) error {
	var req keysRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return errorReply(c, fiber.StatusBadRequest, apperrors.CodeConfiguration, "invalid JSON body")
		}
	}
	checks, err := h.svc.CheckKeys(c.UserContext(), strings.Join(req.Backends, ","))
	if err != nil {
		return appErrorReply(c, err)
	}
	return jsonReply(c, fiber.StatusOK, fiber.Map{"keys": checks})
}
