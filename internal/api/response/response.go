// Package response writes JSON and RFC 7807 problem responses for the session API.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
	"github.com/anchorwatch/anchorwatch/internal/api/models"
)

// JSON writes data with status. A nil data writes headers only.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Created writes a 201 with a Location header pointing at the new resource.
func Created(w http.ResponseWriter, r *http.Request, location string, data any) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	JSON(w, r, http.StatusCreated, data)
}

func NoContent(w http.ResponseWriter, r *http.Request) {
	setRequestID(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Error writes problem with the request path as its instance.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// Status writes the standard problem for status.
func Status(w http.ResponseWriter, r *http.Request, status int, detail string) {
	Error(w, r, models.ForStatus(status, middleware.GetRequestID(r.Context()), detail))
}

// BadRequest writes a 400 listing the invalid fields.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusUnauthorized, detail)
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusForbidden, detail)
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusNotFound, detail)
}

func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusConflict, detail)
}

// Unprocessable writes a 422 for a stored document that fails validation.
func Unprocessable(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusUnprocessableEntity, detail)
}

func TooManyRequests(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusTooManyRequests, detail)
}

func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusInternalServerError, detail)
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Status(w, r, http.StatusServiceUnavailable, detail)
}

func setRequestID(w http.ResponseWriter, r *http.Request) {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		w.Header().Set(middleware.RequestIDHeader, id)
	}
}
