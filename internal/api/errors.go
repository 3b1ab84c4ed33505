package api

import (
	"net/http"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"

	"github.com/labstack/echo/v4"
)

// errorBody is the error response shape shared by every endpoint.
type errorBody struct {
	Error   string      `json:"error"`
	Kind    string      `json:"kind"`
	Details interface{} `json:"details,omitempty"`
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.InvalidInput:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.AlreadyExists, fault.StateConflict, fault.Immutable:
		return http.StatusConflict
	case fault.VerificationFailed:
		return http.StatusUnprocessableEntity
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.DependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		// IntegrityError, DimensionMismatch, Internal and anything
		// unclassified.
		return http.StatusInternalServerError
	}
}

// httpErrorHandler translates fault kinds into the shared error shape.
// Echo's own errors (unknown route, oversized body) pass through with
// their original status.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	body := errorBody{Error: err.Error(), Kind: string(fault.Internal)}

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
		switch code {
		case http.StatusNotFound:
			body.Kind = string(fault.NotFound)
		case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
			body.Kind = string(fault.InvalidInput)
		}
	} else {
		kind := fault.KindOf(err)
		code = statusFor(kind)
		body.Kind = string(kind)
	}

	if code >= http.StatusInternalServerError {
		logging.APIError("%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	if writeErr := c.JSON(code, body); writeErr != nil {
		logging.APIError("Writing error response: %v", writeErr)
	}
}
