// Package collab coordinates live co-editing of group reports: who is in a
// session, how bursts of edits are coalesced and broadcast, and when the
// buffered work is written back to the report store.
package collab

import (
	"context"
	"time"

	"reportcollab/api/internal/store"
)

// Caller is the authenticated identity behind a request. ConnID is empty for
// requests that do not originate from a realtime connection.
type Caller struct {
	UserID string
	Name   string
	Email  string
	Role   string
	ConnID string
}

// Participant is one presence entry, keyed by (DocumentID, UserID).
type Participant struct {
	DocumentID     string    `json:"documentId"`
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Email          string    `json:"email"`
	LastActivity   time.Time `json:"lastActivity"`
	IsTyping       bool      `json:"isTyping"`
	CursorPosition int       `json:"cursorPosition"`
}

// Change is a full-content edit. Content always replaces the whole report body.
type Change struct {
	Content      string    `json:"content"`
	AuthorUserID string    `json:"authorUserId"`
	Timestamp    time.Time `json:"timestamp"`
	// CommittedAt is the server time the change entered the log. Flush
	// thresholds use it; Timestamp is the author's clock.
	CommittedAt time.Time `json:"committedAt"`
}

func (c Change) committedTime() time.Time {
	if c.CommittedAt.IsZero() {
		return c.Timestamp
	}
	return c.CommittedAt
}

// PendingChange is the single not-yet-committed edit for a document. Token
// identifies the submit that wrote it so only that submit's timer may take it.
type PendingChange struct {
	Change
	Token string
}

// SessionState is sent to a participant right after joining.
type SessionState struct {
	DocumentID   string        `json:"documentId"`
	Participants []Participant `json:"participants"`
	Content      string        `json:"content"`
	Version      int           `json:"version"`
}

// StateStore holds every piece of mutable session state so that several
// service instances see the same presence and buffers.
type StateStore interface {
	UpsertPresence(ctx context.Context, p Participant, ttl time.Duration) error
	RemovePresence(ctx context.Context, documentID, userID string) (removed bool, remaining int, err error)
	TouchPresence(ctx context.Context, documentID, userID string, isTyping bool, cursor int, at time.Time, ttl time.Duration) (Participant, bool, error)
	ListPresence(ctx context.Context, documentID string) ([]Participant, error)
	DocumentsForUser(ctx context.Context, userID string) ([]string, error)

	PutPending(ctx context.Context, documentID string, pending PendingChange, ttl time.Duration) error
	TakePending(ctx context.Context, documentID, token string) (PendingChange, bool, error)

	AppendChange(ctx context.Context, documentID string, change Change) (int, error)
	ChangeCount(ctx context.Context, documentID string) (int, error)
	Changes(ctx context.Context, documentID string) ([]Change, error)
	FirstChange(ctx context.Context, documentID string) (Change, bool, error)
	LastChange(ctx context.Context, documentID string) (Change, bool, error)
	Contributors(ctx context.Context, documentID string) ([]string, error)
	TrimChanges(ctx context.Context, documentID string, persisted int) (int, error)
	ActiveDocuments(ctx context.Context) ([]string, error)

	AcquireFlushLock(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error)
	ReleaseFlushLock(ctx context.Context, documentID, token string) error
}

// Reports is the durable report store.
type Reports interface {
	GetReport(ctx context.Context, reportID string) (store.Report, error)
	SaveReportContent(ctx context.Context, reportID, content string, baseVersion int, savedBy string, contributors []string) (int, error)
}

// Groups resolves report groups and their enrolled members.
type Groups interface {
	GetGroup(ctx context.Context, groupID string) (store.Group, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]store.GroupMember, error)
}

type Identities interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Revisions reads the audit rows written by each save.
type Revisions interface {
	ListReportRevisions(ctx context.Context, reportID string) ([]store.ReportRevision, error)
}

// Revision is one persisted save of a report.
type Revision struct {
	Version      int       `json:"version"`
	SavedBy      string    `json:"savedBy"`
	Contributors []string  `json:"contributors"`
	SavedAt      time.Time `json:"savedAt"`
}
