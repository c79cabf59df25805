package server

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/output"
)

// ErrorResponse is the body of every non-2xx reply that has no run
// document.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func jsonReply(c *fiber.Ctx, status int, v any) error {
	return c.Status(status).JSON(v)
}

func errorReply(c *fiber.Ctx, status int, code apperrors.Code, message string) error {
	return jsonReply(c, status, ErrorResponse{Code: string(code), Message: message})
}

func appErrorReply(c *fiber.Ctx, err error) error {
	e := output.FromError(err)
	return jsonReply(c, StatusFor(err), ErrorResponse{Code: e.Code, Message: e.Message, Details: e.Metadata})
}

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	if err == nil {
		return fiber.StatusOK
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeConfiguration, apperrors.CodeNoBackendsConfigured, apperrors.CodeInvalidPrompt:
		return fiber.StatusBadRequest
	case apperrors.CodeNoViableResponse, apperrors.CodeRefereeCallFailed, apperrors.CodeAdapterFailure:
		return fiber.StatusBadGateway
	case apperrors.CodeCanceled:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
