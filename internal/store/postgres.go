package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	const query = `
		SELECT id, title, status, content, version, is_group_submission,
			COALESCE(group_id, ''), COALESCE(updated_by, ''), updated_at
		FROM reports
		WHERE id = $1
	`
	var report Report
	err := s.db.QueryRowContext(ctx, query, reportID).Scan(
		&report.ID,
		&report.Title,
		&report.Status,
		&report.Content,
		&report.Version,
		&report.IsGroupSubmission,
		&report.GroupID,
		&report.UpdatedBy,
		&report.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

// SaveReportContent writes content on top of baseVersion and records a
// revision row. It returns the new version, ErrVersionConflict when the
// report moved on, or sql.ErrNoRows when the report does not exist.
func (s *PostgresStore) SaveReportContent(ctx context.Context, reportID, content string, baseVersion int, savedBy string, contributors []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE reports
		SET content = $2, version = version + 1, updated_by = $4, updated_at = NOW()
		WHERE id = $1 AND version = $3
		RETURNING version
	`, reportID, content, baseVersion, savedBy).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reports WHERE id=$1)`, reportID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check report: %w", err)
		}
		if exists {
			return 0, ErrVersionConflict
		}
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("update report content: %w", err)
	}

	if contributors == nil {
		contributors = []string{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO report_revisions (report_id, version, content, saved_by, contributors)
		VALUES ($1, $2, $3, $4, $5)
	`, reportID, version, content, savedBy, contributors); err != nil {
		return 0, fmt.Errorf("insert report revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save tx: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListReportRevisions(ctx context.Context, reportID string) ([]ReportRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, version, COALESCE(saved_by, ''), contributors, created_at
		FROM report_revisions
		WHERE report_id = $1
		ORDER BY version ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list report revisions: %w", err)
	}
	defer rows.Close()

	typeMap := pgtype.NewMap()
	var revisions []ReportRevision
	for rows.Next() {
		var item ReportRevision
		if err := rows.Scan(&item.ReportID, &item.Version, &item.SavedBy, typeMap.SQLScanner(&item.Contributors), &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report revision: %w", err)
		}
		revisions = append(revisions, item)
	}
	return revisions, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := s.db.QueryRowContext(ctx, `SELECT id, course_id, name FROM groups WHERE id=$1`, groupID).
		Scan(&group.ID, &group.CourseID, &group.Name)
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

// ListGroupMembers resolves each member enrollment to the enrolled user.
func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_id, gm.enrollment_id, e.user_id, gm.is_leader
		FROM group_members gm
		JOIN enrollments e ON e.id = gm.enrollment_id
		WHERE gm.group_id = $1
		ORDER BY gm.joined_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var member GroupMember
		if err := rows.Scan(&member.GroupID, &member.EnrollmentID, &member.UserID, &member.IsLeader); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
