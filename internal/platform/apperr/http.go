package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// Envelope is the body shape of every JSON response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
}

// JSON writes a successful envelope.
func JSON(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

// HTTPErrorHandler is installed as echo's error handler. It is the only place
// where errors become HTTP responses.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := translate(err)
		if status >= http.StatusInternalServerError {
			LogError(logger.With().
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Str("path", c.Request().URL.Path).
				Logger(), "request failed", err)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}

func translate(err error) (int, Envelope) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		return he.Code, Envelope{Success: false, Message: msg}
	}

	code := Code(err)
	return StatusForCode(code), Envelope{Success: false, Message: Public(err), Code: code}
}

// LogError logs err with its oops code and context when present.
func LogError(logger zerolog.Logger, msg string, err error) {
	evt := logger.Error().Err(err)
	if oe, ok := oops.AsOops(err); ok {
		if code := oe.Code(); code != nil {
			evt = evt.Interface("code", code)
		}
		if ctx := oe.Context(); len(ctx) > 0 {
			evt = evt.Interface("context", ctx)
		}
	}
	evt.Msg(msg)
}
