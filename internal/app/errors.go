package app

import (
	"errors"
	"fmt"
	"net/http"

	"intake/api/internal/auth"
	"intake/api/internal/authpw"
	"intake/api/internal/documents"
	"intake/api/internal/export"
	"intake/api/internal/session"
	"intake/api/internal/store"
	"intake/api/internal/workflow"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, workflow.ErrLinkExpired) {
		return http.StatusGone, "LINK_EXPIRED", "Access link expired", nil
	}
	if errors.Is(err, workflow.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}

	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		switch wfErr.Kind {
		case workflow.KindValidation:
			fields := map[string]any{}
			if wfErr.SectionID != "" {
				fields["sectionId"] = wfErr.SectionID
			}
			if wfErr.FieldID != "" {
				fields["fieldId"] = wfErr.FieldID
			}
			message := "Validation failed"
			if wfErr.Err != nil {
				message = wfErr.Err.Error()
			}
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, fields
		case workflow.KindInitialization:
			return http.StatusConflict, "INITIALIZATION_ERROR", "Intake session is not ready", nil
		case workflow.KindPersistence:
			return http.StatusBadGateway, "PERSISTENCE_ERROR", "Could not save answers", nil
		case workflow.KindSubscription:
			return http.StatusServiceUnavailable, "SUBSCRIPTION_ERROR", "Change stream unavailable", nil
		}
	}

	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE", "Document exceeds upload limit", nil
	case errors.Is(err, documents.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", "Unsupported document type", nil
	case errors.Is(err, documents.ErrEmpty):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Document is empty", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
