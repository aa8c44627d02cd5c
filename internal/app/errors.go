package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"lexdraft/api/internal/assembly"
	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/sections"
	"lexdraft/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errSessionNotFound = domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Draft is not open", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var precondition *assembly.PreconditionError
	if errors.As(err, &precondition) {
		return http.StatusConflict, "NOT_READY", precondition.Error(), map[string]any{"unmet": precondition.Unmet}
	}
	var backendErr *backend.Error
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), backend.IsUnauthorized(err):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, collab.ErrTokenExpired):
		return http.StatusUnauthorized, "COLLAB_RECONNECT", "Collaborative document access has expired. Reconnect to continue.", nil
	case errors.Is(err, collab.ErrNotConnected):
		return http.StatusPreconditionFailed, "COLLAB_NOT_CONNECTED", "Collaborative document provider is not connected", nil
	case errors.Is(err, sections.ErrUnknownSection):
		return http.StatusNotFound, "SECTION_NOT_FOUND", "Section not found", nil
	case errors.Is(err, sections.ErrBusy), errors.Is(err, assembly.ErrBusy):
		return http.StatusConflict, "BUSY", err.Error(), nil
	case errors.Is(err, sections.ErrNotGenerated):
		return http.StatusConflict, "NOT_GENERATED", "Section has no generated content", nil
	case errors.Is(err, sections.ErrNotCustom):
		return http.StatusConflict, "NOT_CUSTOM", "Only custom sections can be deleted", nil
	case errors.Is(err, sections.ErrEmptyFeedback), errors.Is(err, sections.ErrEmptyTitle), errors.Is(err, sections.ErrInvalidDetailLevel):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, workflow.ErrInvalidStep):
		return http.StatusBadRequest, "INVALID_STEP", err.Error(), nil
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrStaleStep), errors.Is(err, workflow.ErrNotOnAssembly):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, assembly.ErrNoAssembly):
		return http.StatusNotFound, "NO_ASSEMBLY", "Draft has not been assembled", nil
	case errors.Is(err, assembly.ErrNoExternalDoc):
		return http.StatusConflict, "NO_EXTERNAL_DOC", "Assembly has no collaborative document", nil
	case errors.Is(err, assembly.ErrInvalidView):
		return http.StatusBadRequest, "INVALID_VIEW", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, "EMPTY_DOCUMENT", "Nothing to export", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "The request timed out", nil
	case backend.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, "BACKEND_ERROR", backendErr.Message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
