package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"downloadgate/pkg/response"
)

// maxBodySize caps request bodies at 1MB.
const maxBodySize = 1 << 20

// ValidateRequest enforces JSON content type and a body size cap on writes.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				response.Error(w, http.StatusUnsupportedMediaType, "invalid Content-Type, expected application/json")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}

// HandleValidationError writes a 400 for a rejected field.
func HandleValidationError(w http.ResponseWriter, err error, field string) {
	log.Debug().Err(err).Str("field", field).Msg("validation error")
	response.JSON(w, http.StatusBadRequest, response.ErrorBody{
		Error: err.Error(),
		Code:  "ValidationError",
		Field: field,
	})
}
