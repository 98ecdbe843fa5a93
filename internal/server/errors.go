package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	"github.com/mohammad-safakhou/rebuttal/internal/store"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// errorHandler maps domain errors onto status codes and JSON bodies. Errors raised after an
// event stream has started are only logged.
func errorHandler(logger slog.Logger, metrics *runtime.Metrics) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		req := c.Request()
		code, body := classify(err, c, metrics)
		fields := []slog.Field{
			slog.F("status", code),
			slog.F("method", req.Method),
			slog.F("path", req.URL.Path),
			slog.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error(req.Context(), "request failed", fields...)
		} else {
			logger.Debug(req.Context(), "request rejected", fields...)
		}
		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

func classify(err error, c echo.Context, metrics *runtime.Metrics) (int, any) {
	var (
		ve apperr.ValidationError
		rl apperr.RateLimited
		qe apperr.QuotaExceeded
		pf apperr.PersistenceFailure
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, HTTPError{Error: ve.Error(), Field: ve.Field}
	case errors.Is(err, apperr.ErrAuthRequired):
		return http.StatusUnauthorized, HTTPError{Error: "authentication required"}
	case errors.As(err, &rl):
		metrics.ObserveRejection(string(rl.Scope))
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return http.StatusTooManyRequests, LimitError{Error: "rate_limited", Scope: string(rl.Scope), RetryAfter: secs}
	case errors.As(err, &qe):
		metrics.ObserveRejection(string(qe.Kind))
		secs := int(math.Ceil(qe.RetryAfter.Seconds()))
		if secs > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
		return http.StatusTooManyRequests, LimitError{
			Error:      "quota_exceeded",
			Kind:       string(qe.Kind),
			RetryAfter: secs,
			Count:      qe.Count,
			Limit:      qe.Limit,
			Tier:       qe.Tier,
		}
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, HTTPError{Error: "session not found"}
	case errors.Is(err, store.ErrOwnerConflict):
		return http.StatusConflict, HTTPError{Error: "session id already in use"}
	case errors.As(err, &pf):
		return http.StatusInternalServerError, HTTPError{Error: "storage unavailable"}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, HTTPError{Error: msg}
	}
	return http.StatusInternalServerError, HTTPError{Error: "internal error"}
}
