package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"reportcollab/api/internal/util"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrations, err := Migrations("")
	if err != nil {
		t.Fatalf("Migrations() error = %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db)
}

type seededGroup struct {
	reportID string
	groupID  string
	userIDs  []string
}

func seedGroupReport(t *testing.T, s *PostgresStore, members int) seededGroup {
	t.Helper()
	ctx := context.Background()
	courseID := util.NewID("course")
	seed := seededGroup{groupID: util.NewID("grp"), reportID: util.NewID("rpt")}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO groups (id, course_id, name) VALUES ($1, $2, 'Team')`, seed.groupID, courseID); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	for i := 0; i < members; i++ {
		userID := util.NewID("usr")
		enrollmentID := util.NewID("enr")
		if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, display_name, email, role) VALUES ($1, $1, $1 || '@example.edu', 'student')`, userID); err != nil {
			t.Fatalf("insert user: %v", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO enrollments (id, course_id, user_id) VALUES ($1, $2, $3)`, enrollmentID, courseID, userID); err != nil {
			t.Fatalf("insert enrollment: %v", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO group_members (group_id, enrollment_id, is_leader) VALUES ($1, $2, $3)`, seed.groupID, enrollmentID, i == 0); err != nil {
			t.Fatalf("insert group member: %v", err)
		}
		seed.userIDs = append(seed.userIDs, userID)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, title, status, content, version, is_group_submission, group_id)
		VALUES ($1, 'Lab report', 'Draft', '', 1, TRUE, $2)
	`, seed.reportID, seed.groupID); err != nil {
		t.Fatalf("insert report: %v", err)
	}
	return seed
}

func TestSaveReportContentBumpsVersionAndRecordsRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedGroupReport(t, s, 2)

	version, err := s.SaveReportContent(ctx, seed.reportID, "v3", 1, seed.userIDs[0], seed.userIDs)
	if err != nil {
		t.Fatalf("SaveReportContent() error = %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	report, err := s.GetReport(ctx, seed.reportID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if report.Content != "v3" || report.Version != 2 || report.GroupID != seed.groupID || !report.IsGroupSubmission {
		t.Fatalf("unexpected report after save: %+v", report)
	}

	revisions, err := s.ListReportRevisions(ctx, seed.reportID)
	if err != nil {
		t.Fatalf("ListReportRevisions() error = %v", err)
	}
	if len(revisions) != 1 || len(revisions[0].Contributors) != 2 {
		t.Fatalf("unexpected revisions: %+v", revisions)
	}

	if _, err := s.SaveReportContent(ctx, seed.reportID, "stale", 1, seed.userIDs[1], nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.SaveReportContent(ctx, "rpt_missing", "x", 1, seed.userIDs[1], nil); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListGroupMembersResolvesEnrollmentUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedGroupReport(t, s, 3)

	members, err := s.ListGroupMembers(ctx, seed.groupID)
	if err != nil {
		t.Fatalf("ListGroupMembers() error = %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	found := map[string]bool{}
	for _, member := range members {
		found[member.UserID] = true
	}
	for _, userID := range seed.userIDs {
		if !found[userID] {
			t.Fatalf("member for user %s missing from %+v", userID, members)
		}
	}

	if _, err := s.GetGroup(ctx, "grp_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing group, got %v", err)
	}
}
