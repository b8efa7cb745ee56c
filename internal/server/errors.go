package server

import (
	"errors"
	"net/http"

	"github.com/anji4cp/streamnexus/internal/rotation"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, stream.ErrAlreadyLive),
		errors.Is(err, stream.ErrRotationActive),
		errors.Is(err, stream.ErrStreamLive),
		errors.Is(err, rotation.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, stream.ErrNoContent),
		errors.Is(err, stream.ErrNoItems),
		errors.Is(err, stream.ErrInvalidWindow),
		errors.Is(err, stream.ErrMissingDuration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrSpawnFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
