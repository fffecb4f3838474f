package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/logger"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error onto the HTTP status the admin API answers with.
func StatusFor(err error) int {
	switch appErrors.CodeOf(err) {
	case appErrors.CodeValidationFailed, appErrors.CodeNoRecipients:
		return http.StatusBadRequest
	case appErrors.CodeNotFound:
		return http.StatusNotFound
	case appErrors.CodeNotCancellable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with {"error": {...}}. Internal errors are logged and
// their text is not exposed.
func WriteError(w http.ResponseWriter, log logger.Logger, err error) {
	status := StatusFor(err)
	body := toAppError(err)
	if status == http.StatusInternalServerError && log != nil {
		log.Error("request failed", map[string]interface{}{"error": err.Error()})
	}
	WriteJSON(w, status, map[string]interface{}{"error": body})
}

func toAppError(err error) *appErrors.AppError {
	code := appErrors.CodeOf(err)
	switch code {
	case appErrors.CodeNotFound:
		return &appErrors.AppError{Code: code, Message: err.Error()}
	case appErrors.CodeInternal:
		return &appErrors.AppError{Code: code, Message: "internal error", Retryable: true}
	}
	if appErr, ok := err.(*appErrors.AppError); ok {
		return appErr
	}
	return &appErrors.AppError{Code: code, Message: err.Error()}
}

// IDParam reads a positive integer URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidationError("invalid " + name + ": " + strconv.Quote(raw))
	}
	return id, nil
}

func intQuery(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
