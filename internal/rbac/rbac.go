package rbac

import "strings"

type Role string
type Action string

const (
	RoleStudent  Role = "student"
	RoleLecturer Role = "lecturer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

const (
	// ActionCollaborate covers joining a live report session and editing it.
	ActionCollaborate Action = "collaborate"
	// ActionViewReport covers reading a report's save history.
	ActionViewReport Action = "view_report"
)

// Can reports whether role may perform action. Live co-editing is reserved
// for students.
func Can(role Role, action Action) bool {
	switch role {
	case RoleStudent:
		return action == ActionCollaborate || action == ActionViewReport
	case RoleLecturer, RoleStaff, RoleAdmin:
		return action == ActionViewReport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleStudent, RoleLecturer, RoleStaff, RoleAdmin:
		return r
	default:
		return ""
	}
}
