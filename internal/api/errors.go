package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/collab"
	"github.com/serroba/scenesync/internal/identity"
	"github.com/serroba/scenesync/internal/storage"
)

// ErrBadRequest marks malformed requests.
var ErrBadRequest = errors.New("bad request")

// statusOf maps an error to an HTTP status and a message that is safe to
// show to the caller.
func statusOf(err error) (int, string) {
	var (
		validation validator.ValidationErrors
		persist    *storage.PersistenceWriteError
	)

	switch {
	case errors.Is(err, identity.ErrMissingCredentials), errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, acl.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound, "document not found"
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.Is(err, ErrBadRequest), errors.Is(err, acl.ErrUnknownRole):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &persist):
		return http.StatusServiceUnavailable, "snapshot could not be stored"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// respondError writes err as a JSON error body.
func respondError(c *gin.Context, err error) {
	status, message := statusOf(err)

	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}
