package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"db-sync-service/internal/models"
)

type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func sendSuccessResponse(w http.ResponseWriter, message string, data interface{}) {
	sendResponse(w, http.StatusOK, message, data)
}

func sendResponse(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	response := Response{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	writeJSON(w, statusCode, response)
}

// sendErrorResponse writes err with the status its kind maps to. data is
// attached when the caller has something useful to add, like the job that
// caused a conflict.
func sendErrorResponse(w http.ResponseWriter, err error, data interface{}) {
	response := Response{
		Success:   false,
		Message:   err.Error(),
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		Error:     models.ErrorKind(err),
	}
	writeJSON(w, statusFor(err), response)
}

func sendMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Message: "Method not allowed", Error: "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func statusFor(err error) int {
	var (
		validation *models.ValidationError
		conflict   *models.ConflictError
		connection *models.ConnectionError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, models.ErrNotConnected):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTableNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict), errors.Is(err, models.ErrNotCancellable):
		return http.StatusConflict
	case errors.As(err, &connection):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseRole(r *http.Request) (models.Role, error) {
	return models.ParseRole(r.URL.Query().Get("type"))
}
