package store

import (
	"errors"
	"time"
)

// Report statuses. Only Draft and RequiresRevision accept live edits.
const (
	StatusDraft            = "Draft"
	StatusSubmitted        = "Submitted"
	StatusResubmitted      = "Resubmitted"
	StatusGraded           = "Graded"
	StatusRequiresRevision = "RequiresRevision"
)

// ErrVersionConflict is returned by SaveReportContent when the stored version
// no longer matches the base version the caller read.
var ErrVersionConflict = errors.New("report version conflict")

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
}

type Report struct {
	ID                string
	Title             string
	Status            string
	Content           string
	Version           int
	IsGroupSubmission bool
	GroupID           string
	UpdatedBy         string
	UpdatedAt         time.Time
}

type Group struct {
	ID       string
	CourseID string
	Name     string
}

// GroupMember links a group to a course enrollment, and through it to a user.
type GroupMember struct {
	GroupID      string
	EnrollmentID string
	UserID       string
	IsLeader     bool
}

type ReportRevision struct {
	ReportID     string
	Version      int
	SavedBy      string
	Contributors []string
	CreatedAt    time.Time
}
