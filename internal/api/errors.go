// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
)

// errorBody is the single JSON error shape. No secret or raw exception text
// ever reaches it; Detail comes from the classified error only.
type errorBody struct {
	Detail     string  `json:"detail"`
	Reason     string  `json:"reason,omitempty"`
	Mode       string  `json:"mode,omitempty"`
	RetryAfter float64 `json:"retry_after_s,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr translates a classified error into an HTTP status and the error
// body. This is the only place kinds map to status codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdef.KindOf(err)
	body := errorBody{Detail: "internal error"}

	if de, ok := errdef.AsError(err); ok {
		body.Detail = de.Detail
		body.Reason = de.Reason
		if de.RetryAfter > 0 {
			body.RetryAfter = math.Round(de.RetryAfter.Seconds()*10) / 10
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(de.RetryAfter.Seconds()))))
		}
	}

	code := statusFor(kind, body.Reason)
	if code >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		body.Detail = "internal error"
		body.Reason = ""
	}
	writeJSON(w, code, body)
}

func statusFor(kind errdef.Kind, reason string) int {
	switch kind {
	case errdef.KindUnauthenticated:
		return http.StatusUnauthorized
	case errdef.KindForbidden:
		return http.StatusForbidden
	case errdef.KindNotFound:
		return http.StatusNotFound
	case errdef.KindConflict, errdef.KindIllegalTransition:
		return http.StatusConflict
	case errdef.KindQuota, errdef.KindBackpressure:
		return http.StatusTooManyRequests
	case errdef.KindValidation:
		if reason == errdef.ReasonFileTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errdef.KindCanceled:
		// Client went away or job canceled mid-request.
		return 499
	case errdef.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdef.Validation("bad_json", "malformed request body")
	}
	return nil
}
