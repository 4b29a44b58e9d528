package collab

import (
	"errors"
	"fmt"
)

// Denial reasons reported by the authorization gate.
const (
	ReasonRoleNotAllowed     = "RoleNotAllowed"
	ReasonStatusNotEditable  = "StatusNotEditable"
	ReasonNotGroupSubmission = "NotGroupSubmission"
	ReasonNoAssociatedGroup  = "NoAssociatedGroup"
	ReasonGroupNotFound      = "GroupNotFound"
	ReasonNotGroupMember     = "NotGroupMember"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrDocumentNotFound       = errors.New("document not found")
	ErrTransientStore         = errors.New("session state unavailable")
	ErrPersistence            = errors.New("report could not be saved")
)

// AuthError is an AuthorizationDenied outcome.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

func deny(reason string) error {
	return &AuthError{Reason: reason}
}

// DenialReason returns the gate's reason when err is an AuthError.
func DenialReason(err error) (string, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason, true
	}
	return "", false
}

// Classify maps an error from this package to a stable code and a message
// that is safe to show to the caller.
func Classify(err error) (code string, message string) {
	if reason, ok := DenialReason(err); ok {
		return "AUTHORIZATION_DENIED", "Not allowed: " + reason
	}
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTHENTICATION_REQUIRED", "Authentication required"
	case errors.Is(err, ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND", "Report not found"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_FAILURE", "Report could not be saved, changes are kept and will be retried"
	case errors.Is(err, ErrTransientStore):
		return "TRANSIENT_STORE_FAILURE", "Collaboration state is temporarily unavailable, please retry"
	default:
		return "SERVER_ERROR", "Server error"
	}
}
