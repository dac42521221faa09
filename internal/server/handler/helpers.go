package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// retryAfterSeconds is advertised when a request lost a lock race.
const retryAfterSeconds = "1"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind"`
	Forfeit *domain.ForfeitSummary `json:"forfeit,omitempty"`
	Report  any                    `json:"report,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","kind":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON error for a malformed request.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "event_not_found", "account_not_found", "not_found":
		return http.StatusNotFound
	case "market_closed", "already_resolved", "invalid_transition", "settlement_in_progress", "already_exists":
		return http.StatusConflict
	case "invalid_outcome", "invalid_amount", "invalid_event", "invalid_account":
		return http.StatusUnprocessableEntity
	case "insufficient_funds":
		return http.StatusPaymentRequired
	case "account_inactive":
		return http.StatusForbidden
	case "confirmation_required":
		return http.StatusPreconditionRequired
	case "concurrent_modification":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates a service error into a response. Internal
// errors are reported without their message.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	status := statusFor(kind)
	body := errorBody{Error: err.Error(), Kind: kind}

	var fe *domain.ForfeitError
	if errors.As(err, &fe) {
		body.Forfeit = &fe.Summary
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// requireActor returns the caller's account id or writes a 400.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := domain.ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor", "X-Account-ID header required")
		return "", false
	}
	return id, true
}
