package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// maxBodyBytes bounds request bodies; a full report set is a few kilobytes.
const maxBodyBytes = 1 << 20

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
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
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

// pathAddress parses a hex address path parameter.
func pathAddress(r *http.Request, name string) (common.Address, error) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s %q", name, v)
	}
	return common.HexToAddress(v), nil
}

// pathHash parses a 32-byte hex path parameter.
func pathHash(r *http.Request, name string) (common.Hash, error) {
	v := r.PathValue(name)
	b, err := hexutil.Decode(v)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid %s %q", name, v)
	}
	return common.BytesToHash(b), nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, v)
	}
	return b, nil
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, domain.ErrMarketNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrAdlNotEnabled),
		errors.Is(err, domain.ErrAdlNotExpectedToImprove),
		errors.Is(err, domain.ErrPnlOvercorrected),
		errors.Is(err, domain.ErrOracleBlockBeforeAdl),
		errors.Is(err, domain.ErrPositionNotLiquidatable),
		errors.Is(err, domain.ErrOrderNotTriggered):
		return http.StatusConflict
	case oracle.IsOracleError(err), errors.Is(err, domain.ErrMissingTokenPrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrUnsupportedOrderType),
		errors.Is(err, domain.ErrInvalidSwapPath),
		errors.Is(err, domain.ErrMaxSwapPathLength),
		errors.Is(err, domain.ErrInvalidDecreaseSize),
		errors.Is(err, domain.ErrMarketDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs server-side failures and writes err with its status.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
