// Package httputil holds the shared response envelope and request logging used
// by every HTTP handler.
package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/beaconchat/beacon-server/internal/wire"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error wire.Error `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code wire.Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: wire.Error{Code: code, Message: message},
	})
}

// FailErr sends a JSON error response built from a protocol error.
func FailErr(c fiber.Ctx, status int, err *wire.Error) error {
	return c.Status(status).JSON(ErrorResponse{Error: *err})
}
