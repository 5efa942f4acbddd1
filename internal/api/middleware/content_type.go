package middleware

import (
	"mime"
	"net/http"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
)

// ContentTypeJSON defaults the response Content-Type to application/json. Handlers that
// set their own type keep it.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// RequireJSON rejects request bodies declared as anything but JSON with 415. A missing
// Content-Type is accepted so minimal clients can still write session documents.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if ct := r.Header.Get("Content-Type"); ct != "" && !isJSON(ct) {
				problem := models.ForStatus(http.StatusUnsupportedMediaType, GetRequestID(r.Context()),
					"Content-Type must be application/json")
				problem.Type = models.ProblemTypeUnsupportedMedia
				problem.Title = "Unsupported media type"
				problem.Instance = r.URL.Path
				problem.Write(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
