// Package httpx provides JSON response utilities shared by all HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the response body shape used by every endpoint.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Page is the pagination payload carried in Envelope.Data for list endpoints.
// Pages are 1-indexed.
type Page struct {
	Content       any   `json:"content"`
	PageNumber    int   `json:"page"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
}

// OK sends a successful envelope with the given data.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// OKMessage sends a successful envelope carrying only a message.
func OKMessage(w http.ResponseWriter, message string) {
	write(w, http.StatusOK, Envelope{Success: true, Message: message})
}

// Created sends a 201 envelope with the given data.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// Fail sends a failed envelope with the given status and message.
func Fail(w http.ResponseWriter, status int, message string) {
	write(w, status, Envelope{Success: false, Message: message})
}

// DecodeJSON decodes the request body into target.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

func write(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
