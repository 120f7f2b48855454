package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code for the
// worker-pool API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, ErrSubmission):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
