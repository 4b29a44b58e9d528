package app

import (
	"context"
	"strings"

	"reportcollab/api/internal/auth"
	"reportcollab/api/internal/collab"
	"reportcollab/api/internal/config"
)

// Sessions is the slice of the session coordinator the HTTP surface uses.
type Sessions interface {
	GetActiveParticipants(ctx context.Context, caller collab.Caller, documentID string) ([]collab.Participant, error)
	SaveNow(ctx context.Context, caller collab.Caller, documentID string) (collab.SaveResult, error)
	ListRevisions(ctx context.Context, caller collab.Caller, documentID string) ([]collab.Revision, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck is one named dependency reported by /api/ready.
type ReadinessCheck struct {
	Name   string
	Pinger Pinger
}

type Service struct {
	cfg      config.Config
	sessions Sessions
	checks   []ReadinessCheck
}

func New(cfg config.Config, sessions Sessions, checks ...ReadinessCheck) *Service {
	return &Service{cfg: cfg, sessions: sessions, checks: checks}
}

// CallerFromToken verifies an access token and returns the identity it carries.
func (s *Service) CallerFromToken(token string) (collab.Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return collab.Caller{}, err
	}
	return collab.Caller{
		UserID: claims.Sub,
		Name:   claims.Name,
		Email:  claims.Email,
		Role:   strings.ToLower(claims.Role),
	}, nil
}

func (s *Service) Participants(ctx context.Context, caller collab.Caller, reportID string) ([]collab.Participant, error) {
	participants, err := s.sessions.GetActiveParticipants(ctx, caller, reportID)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		participants = []collab.Participant{}
	}
	return participants, nil
}

func (s *Service) SaveReport(ctx context.Context, caller collab.Caller, reportID string) (collab.SaveResult, error) {
	return s.sessions.SaveNow(ctx, caller, reportID)
}

func (s *Service) Revisions(ctx context.Context, caller collab.Caller, reportID string) ([]collab.Revision, error) {
	return s.sessions.ListRevisions(ctx, caller, reportID)
}

// Ping checks every readiness dependency and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, check := range s.checks {
		if err := check.Pinger.Ping(ctx); err != nil {
			failures[check.Name] = err
		}
	}
	return failures
}
