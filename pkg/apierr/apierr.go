// Package apierr maps core errors onto the JSON error envelope served by the
// HTTP API.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// ErrorType constants.
const (
	TypeBackendError   = "backend_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Backend string `json:"backend,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeEnvelope(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteError maps a core error onto an HTTP status and the JSON envelope.
//
//	invalid_input            → 400
//	backend_unavailable      → 503 (429 + Retry-After for rate-limit rejections)
//	timeout                  → 504
//	cancelled                → 499 (client closed request)
//	backend_error            → 502
//	transient_backend_error  → 502
//	all_backends_failed      → 502
//	storage_error, unknown   → 500
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	kind := llmerr.KindOf(err)
	code := kind.String()
	msg := err.Error()

	var backendName string
	var le *llmerr.Error
	if errors.As(err, &le) {
		backendName = le.Backend
	}

	switch kind {
	case llmerr.KindInvalidInput:
		writeEnvelope(ctx, fasthttp.StatusBadRequest,
			APIError{Message: msg, Type: TypeInvalidRequest, Code: code})
	case llmerr.KindBackendUnavailable:
		if le != nil && le.RateLimited {
			ctx.Response.Header.Set("Retry-After", "60")
			writeEnvelope(ctx, fasthttp.StatusTooManyRequests,
				APIError{Message: msg, Type: TypeRateLimitError, Code: "rate_limit_exceeded"})
			return
		}
		writeEnvelope(ctx, fasthttp.StatusServiceUnavailable,
			APIError{Message: msg, Type: TypeBackendError, Code: code, Backend: backendName})
	case llmerr.KindTimeout:
		writeEnvelope(ctx, fasthttp.StatusGatewayTimeout,
			APIError{Message: msg, Type: TypeBackendError, Code: code, Backend: backendName})
	case llmerr.KindCancelled:
		// 499 follows the nginx convention for a client-closed request.
		writeEnvelope(ctx, 499,
			APIError{Message: msg, Type: TypeInvalidRequest, Code: code})
	case llmerr.KindBackendError, llmerr.KindTransientBackendError, llmerr.KindAllBackendsFailed:
		writeEnvelope(ctx, fasthttp.StatusBadGateway,
			APIError{Message: msg, Type: TypeBackendError, Code: code, Backend: backendName})
	default:
		writeEnvelope(ctx, fasthttp.StatusInternalServerError,
			APIError{Message: msg, Type: TypeServerError, Code: code})
	}
}
