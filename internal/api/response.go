package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationResponse is returned with status 422.
type ValidationResponse struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, Response{Code: status, Message: message})
}

func messageResponse(w http.ResponseWriter, message string, data interface{}) {
	jsonResponse(w, http.StatusOK, Response{Code: http.StatusOK, Message: message, Data: data})
}

func successResponse(w http.ResponseWriter, data interface{}) {
	messageResponse(w, "data has been received!", data)
}

func validationResponse(w http.ResponseWriter, err *ValidationError) {
	jsonResponse(w, http.StatusUnprocessableEntity, ValidationResponse{
		Code:    http.StatusUnprocessableEntity,
		Message: strings.Join(err.Messages, "<br/>"),
		Errors:  err.Fields,
	})
}
