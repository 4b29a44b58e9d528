package collab

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PresenceRegistry tracks who is in each report session. Upsert is the only
// way an entry is written, so a reconnecting client never ends up listed twice.
type PresenceRegistry struct {
	state StateStore
	ttl   time.Duration
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewPresenceRegistry(state StateStore, ttl time.Duration, log logrus.FieldLogger) *PresenceRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PresenceRegistry{state: state, ttl: ttl, now: time.Now, log: log}
}

// Upsert replaces any entry for (documentID, userID) and resets its TTL.
func (r *PresenceRegistry) Upsert(ctx context.Context, documentID, userID, displayName, email string) (Participant, error) {
	p := Participant{
		DocumentID:   documentID,
		UserID:       userID,
		DisplayName:  displayName,
		Email:        email,
		LastActivity: r.now().UTC(),
	}
	if err := r.state.UpsertPresence(ctx, p, r.ttl); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// Remove deletes the entry if present. removed is true only for the call that
// actually deleted it.
func (r *PresenceRegistry) Remove(ctx context.Context, documentID, userID string) (removed bool, remaining int, err error) {
	return r.state.RemovePresence(ctx, documentID, userID)
}

func (r *PresenceRegistry) List(ctx context.Context, documentID string) ([]Participant, error) {
	return r.state.ListPresence(ctx, documentID)
}

// Touch refreshes typing and cursor state for an existing entry.
func (r *PresenceRegistry) Touch(ctx context.Context, documentID, userID string, isTyping bool, cursor int) (Participant, bool, error) {
	return r.state.TouchPresence(ctx, documentID, userID, isTyping, cursor, r.now().UTC(), r.ttl)
}

// Sweep removes userID from every session it is still listed in and calls
// onRemoved for each entry this sweep deleted. Documents already cleaned up
// by a concurrent leave are skipped.
func (r *PresenceRegistry) Sweep(ctx context.Context, userID string, onRemoved func(ctx context.Context, documentID string, remaining int)) error {
	documents, err := r.state.DocumentsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, documentID := range documents {
		removed, remaining, err := r.state.RemovePresence(ctx, documentID, userID)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"document_id": documentID,
				"user_id":     userID,
			}).Warn("sweep: remove presence failed")
			continue
		}
		if removed && onRemoved != nil {
			onRemoved(ctx, documentID, remaining)
		}
	}
	return nil
}
