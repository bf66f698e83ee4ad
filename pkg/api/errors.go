package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/quota"
	"github.com/numtide/site-controller/pkg/registry"
)

// Error codes returned in the error envelope.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeSlugTaken        = "SLUG_TAKEN"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Error ErrorInfo `json:"error"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorInfo{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// abortWithError maps err onto a status code and error envelope. Errors that
// are not part of the API contract are logged and reported without detail.
func abortWithError(c *gin.Context, err error) {
	var (
		verr *sitesv1alpha1.ValidationError
		qerr *quota.QuotaExceededError
	)
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, CodeValidationFailed, verr.Error(), map[string]any{
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.As(err, &qerr):
		abort(c, http.StatusConflict, CodeQuotaExceeded, qerr.Error(), map[string]any{
			"dimension": qerr.Dimension,
			"requested": qerr.Requested,
			"available": qerr.Available,
		})
	case errors.Is(err, registry.ErrSlugTaken):
		abort(c, http.StatusConflict, CodeSlugTaken, "slug is already in use", nil)
	case errors.Is(err, registry.ErrNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, "site not found", nil)
	default:
		internalError(c, err)
	}
}
