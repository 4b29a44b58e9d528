package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reportcollab/api/internal/rbac"
	"reportcollab/api/internal/store"
)

// Gate decides whether a caller may join or edit a report session.
type Gate struct {
	reports Reports
	groups  Groups
}

func NewGate(reports Reports, groups Groups) *Gate {
	return &Gate{reports: reports, groups: groups}
}

// CanJoin returns the report when the caller may join its live session.
func (g *Gate) CanJoin(ctx context.Context, caller Caller, documentID string) (store.Report, error) {
	return g.authorize(ctx, caller, documentID)
}

// CanEdit applies the same checks as CanJoin. It is evaluated on every edit
// because status and membership can change while a session is open.
func (g *Gate) CanEdit(ctx context.Context, caller Caller, documentID string) (store.Report, error) {
	return g.authorize(ctx, caller, documentID)
}

// CanViewHistory returns the report when the caller may read its save
// history. Graders and staff see every report; students only their own
// group's, in any status.
func (g *Gate) CanViewHistory(ctx context.Context, caller Caller, documentID string) (store.Report, error) {
	if strings.TrimSpace(caller.UserID) == "" {
		return store.Report{}, ErrAuthenticationRequired
	}
	role := rbac.Normalize(caller.Role)
	if !rbac.Can(role, rbac.ActionViewReport) {
		return store.Report{}, deny(ReasonRoleNotAllowed)
	}
	report, err := g.loadReport(ctx, documentID)
	if err != nil {
		return store.Report{}, err
	}
	if role != rbac.RoleStudent {
		return report, nil
	}
	if err := g.checkMembership(ctx, report, caller.UserID); err != nil {
		return store.Report{}, err
	}
	return report, nil
}

func (g *Gate) authorize(ctx context.Context, caller Caller, documentID string) (store.Report, error) {
	if strings.TrimSpace(caller.UserID) == "" {
		return store.Report{}, ErrAuthenticationRequired
	}
	if !rbac.Can(rbac.Normalize(caller.Role), rbac.ActionCollaborate) {
		return store.Report{}, deny(ReasonRoleNotAllowed)
	}
	report, err := g.loadReport(ctx, documentID)
	if err != nil {
		return store.Report{}, err
	}
	if !Editable(report.Status) {
		return store.Report{}, deny(ReasonStatusNotEditable)
	}
	if err := g.checkMembership(ctx, report, caller.UserID); err != nil {
		return store.Report{}, err
	}
	return report, nil
}

func (g *Gate) loadReport(ctx context.Context, documentID string) (store.Report, error) {
	report, err := g.reports.GetReport(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Report{}, ErrDocumentNotFound
	}
	if err != nil {
		return store.Report{}, fmt.Errorf("%w: load report: %v", ErrTransientStore, err)
	}
	return report, nil
}

// checkMembership requires a group report whose group lists userID.
func (g *Gate) checkMembership(ctx context.Context, report store.Report, userID string) error {
	if !report.IsGroupSubmission {
		return deny(ReasonNotGroupSubmission)
	}
	if report.GroupID == "" {
		return deny(ReasonNoAssociatedGroup)
	}
	if _, err := g.groups.GetGroup(ctx, report.GroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deny(ReasonGroupNotFound)
		}
		return fmt.Errorf("%w: load group: %v", ErrTransientStore, err)
	}
	members, err := g.groups.ListGroupMembers(ctx, report.GroupID)
	if err != nil {
		return fmt.Errorf("%w: load group members: %v", ErrTransientStore, err)
	}
	for _, member := range members {
		if member.UserID == userID {
			return nil
		}
	}
	return deny(ReasonNotGroupMember)
}

// Editable reports whether a report in this status accepts live edits.
func Editable(status string) bool {
	return status == store.StatusDraft || status == store.StatusRequiresRevision
}
