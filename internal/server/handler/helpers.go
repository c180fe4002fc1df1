package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain sentinels to status codes. Unexpected errors
// are logged and reported as 500 with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, what string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "another replica holds the lease")
	case errors.Is(err, domain.ErrInvariantViolation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("what", what),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

// parseListOpts extracts limit and offset from the query string. Limits are
// clamped by the services.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	var opts domain.ListOpts
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	return opts
}

// marketID parses the {id} path parameter.
func marketID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid market id %q", raw)
	}
	return id, nil
}

// participantKey parses the {id} and {address} path parameters.
func participantKey(r *http.Request) (domain.ParticipantKey, error) {
	id, err := marketID(r)
	if err != nil {
		return domain.ParticipantKey{}, err
	}
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		return domain.ParticipantKey{}, fmt.Errorf("invalid address %q", addr)
	}
	return domain.NewParticipantKey(id, addr), nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
