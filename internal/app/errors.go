package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"reportcollab/api/internal/auth"
	"reportcollab/api/internal/collab"
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
	if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}

	code, message = collab.Classify(err)
	if reason, ok := collab.DenialReason(err); ok {
		return http.StatusForbidden, code, message, map[string]any{"reason": reason}
	}
	switch {
	case errors.Is(err, collab.ErrAuthenticationRequired):
		return http.StatusUnauthorized, code, message, nil
	case errors.Is(err, collab.ErrDocumentNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Report not found", nil
	case errors.Is(err, collab.ErrPersistence):
		return http.StatusBadGateway, code, message, nil
	case errors.Is(err, collab.ErrTransientStore):
		return http.StatusServiceUnavailable, code, message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
