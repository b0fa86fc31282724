package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/apperr"
)

type errorBody struct {
	Error   string      `json:"error"`
	Kind    apperr.Kind `json:"kind"`
	Details []string    `json:"details,omitempty"`
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as JSON. Internal errors are logged
// and their message is not exposed.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(errorBody{Error: fe.Message, Kind: kindForStatus(fe.Code)})
		}

		kind := apperr.KindOf(err)
		status := StatusOf(kind)
		body := errorBody{Error: err.Error(), Kind: kind, Details: apperr.DetailsOf(err)}
		if kind == apperr.KindInternal {
			requestID := RequestIDFrom(c)
			logger.Error("unhandled error",
				slog.String("path", c.Path()),
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
			body.Error = http.StatusText(status)
		}
		return c.Status(status).JSON(body)
	}
}

func kindForStatus(code int) apperr.Kind {
	switch code {
	case http.StatusBadRequest:
		return apperr.KindValidation
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	default:
		return apperr.Kind(http.StatusText(code))
	}
}
