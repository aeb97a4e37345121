package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// respondError maps core errors onto the wire so callers can pick a
// retry strategy from the status and the error code alone.
func respondError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	payload := map[string]interface{}{
		"error":   code,
		"message": err.Error(),
	}

	status := http.StatusInternalServerError
	switch code {
	case "invalid_input":
		status = http.StatusBadRequest
	case "concurrency_conflict":
		status = http.StatusConflict
		var conflict domain.ConflictError
		if errors.As(err, &conflict) {
			payload["streamId"] = conflict.StreamID
			payload["expectedVersion"] = conflict.Expected
			payload["actualVersion"] = conflict.Actual
		}
	case "backpressure":
		status = http.StatusTooManyRequests
	case "circuit_open":
		status = http.StatusServiceUnavailable
		payload["circuitBreakerOpen"] = true
		var open domain.CircuitOpenError
		if errors.As(err, &open) {
			payload["service"] = open.Service
			payload["retryAfterMs"] = open.RetryAfter.Milliseconds()
		}
	case "storage_unavailable":
		status = http.StatusServiceUnavailable
	case "participant_unavailable":
		status = http.StatusBadGateway
	}
	return c.JSON(status, payload)
}
