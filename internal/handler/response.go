package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"delivery-guard/internal/service"
	"delivery-guard/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse exposes only the localized message, never the wrapped cause.
func errorResponse(err error, fallback string) Response {
	return Response{
		Success: false,
		Error:   service.UserMessage(err, fallback),
	}
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status, sets Retry-After for rate limits
// and writes the error envelope.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, err error, fallback string) {
	statusCode := getStatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	} else {
		logger.Warn("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	}

	if wait := service.RetryAfter(err); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	respondWithJSON(logger, w, statusCode, errorResponse(err, fallback))
}

func respondWithStatus(logger *zap.Logger, w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(logger, w, statusCode, Response{Success: false, Error: message})
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrGone):
		return http.StatusGone
	case errors.Is(err, service.ErrTooManyRequests):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
