package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	DebounceWindow time.Duration
	PresenceTTL    time.Duration
	PendingTTL     time.Duration
	Flush          FlushPolicy
}

func DefaultOptions() Options {
	return Options{
		DebounceWindow: 500 * time.Millisecond,
		PresenceTTL:    30 * time.Minute,
		PendingTTL:     10 * time.Second,
		Flush:          DefaultFlushPolicy(),
	}
}

type Dependencies struct {
	State      StateStore
	Reports    Reports
	Groups     Groups
	Identities Identities
	Revisions  Revisions
	Transport  Transport
	Logger     logrus.FieldLogger
}

// Coordinator runs live report sessions: joining, leaving, submitting edits
// and the save that follows the last participant out.
type Coordinator struct {
	gate       *Gate
	presence   *PresenceRegistry
	changes    *ChangeLog
	debouncer  *Debouncer
	flusher    *Flusher
	identities Identities
	revisions  Revisions
	transport  Transport
	policy     FlushPolicy
	log        logrus.FieldLogger
}

func NewCoordinator(opts Options, deps Dependencies) *Coordinator {
	defaults := DefaultOptions()
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaults.DebounceWindow
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaults.PresenceTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaults.PendingTTL
	}
	if opts.Flush == (FlushPolicy{}) {
		opts.Flush = defaults.Flush
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	changes := NewChangeLog(deps.State)
	c := &Coordinator{
		gate:       NewGate(deps.Reports, deps.Groups),
		presence:   NewPresenceRegistry(deps.State, opts.PresenceTTL, log),
		changes:    changes,
		flusher:    NewFlusher(deps.State, changes, deps.Reports, opts.Flush, log),
		identities: deps.Identities,
		revisions:  deps.Revisions,
		transport:  deps.Transport,
		policy:     opts.Flush,
		log:        log,
	}
	c.debouncer = NewDebouncer(deps.State, opts.DebounceWindow, opts.PendingTTL, c.commit, log)
	return c
}

func (c *Coordinator) Flusher() *Flusher {
	return c.flusher
}

// JoinDocument authorizes the caller, records presence and returns the
// content the caller should start from: the newest committed change when one
// is buffered, otherwise the persisted report body.
func (c *Coordinator) JoinDocument(ctx context.Context, caller Caller, documentID string) (SessionState, error) {
	report, err := c.gate.CanJoin(ctx, caller, documentID)
	if err != nil {
		return SessionState{}, err
	}
	logger := c.logger(documentID, caller.UserID)

	name, email := c.resolveIdentity(ctx, caller)
	self, err := c.presence.Upsert(ctx, documentID, caller.UserID, name, email)
	if err != nil {
		logger.WithError(err).Warn("join: upsert presence failed")
		return SessionState{}, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	c.transport.Subscribe(caller.ConnID, documentID)

	content := report.Content
	if latest, ok, err := c.changes.LatestContent(ctx, documentID); err != nil {
		logger.WithError(err).Warn("join: buffered content unavailable, using persisted content")
	} else if ok {
		content = latest
	}

	participants, err := c.presence.List(ctx, documentID)
	if err != nil {
		logger.WithError(err).Warn("join: list presence failed")
		participants = []Participant{self}
	}

	state := SessionState{
		DocumentID:   documentID,
		Participants: participants,
		Content:      content,
		Version:      report.Version,
	}
	if caller.ConnID != "" {
		c.send(ctx, caller.ConnID, Event{Name: EventSessionJoined, DocumentID: documentID, Payload: state})
	}
	c.broadcast(ctx, documentID, Event{
		Name:       EventParticipantJoined,
		DocumentID: documentID,
		Payload:    ParticipantJoinedPayload{UserID: caller.UserID, Name: name},
	}, Exclude{ConnID: caller.ConnID})

	logger.Info("participant joined")
	return state, nil
}

// LeaveDocument removes the caller from the session. Leaving a session the
// caller is not part of is a no-op.
func (c *Coordinator) LeaveDocument(ctx context.Context, caller Caller, documentID string) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return ErrAuthenticationRequired
	}
	c.transport.Unsubscribe(caller.ConnID, documentID)
	return c.leave(ctx, caller.UserID, caller.ConnID, documentID)
}

// SubmitChange re-checks edit rights and buffers content as the document's
// pending edit. Peers see it once the document has been quiet for the
// debounce window.
func (c *Coordinator) SubmitChange(ctx context.Context, caller Caller, documentID, content string, at time.Time) error {
	if _, err := c.gate.CanEdit(ctx, caller, documentID); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	change := Change{Content: content, AuthorUserID: caller.UserID, Timestamp: at.UTC()}
	if err := c.debouncer.Submit(ctx, documentID, change); err != nil {
		c.logger(documentID, caller.UserID).WithError(err).Warn("submit: buffering change failed")
		return err
	}
	return nil
}

// UpdateActivity refreshes the caller's typing flag and cursor. It does
// nothing for callers that have not joined.
func (c *Coordinator) UpdateActivity(ctx context.Context, caller Caller, documentID string, isTyping bool, cursor int) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return ErrAuthenticationRequired
	}
	p, ok, err := c.presence.Touch(ctx, documentID, caller.UserID, isTyping, cursor)
	if err != nil {
		c.logger(documentID, caller.UserID).WithError(err).Warn("activity: touch presence failed")
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !ok {
		return nil
	}
	c.broadcast(ctx, documentID, Event{
		Name:       EventParticipantActivity,
		DocumentID: documentID,
		Payload: ParticipantActivityPayload{
			UserID:         p.UserID,
			IsTyping:       p.IsTyping,
			CursorPosition: p.CursorPosition,
			LastActivity:   p.LastActivity,
		},
	}, Exclude{ConnID: caller.ConnID})
	return nil
}

func (c *Coordinator) GetActiveParticipants(ctx context.Context, caller Caller, documentID string) ([]Participant, error) {
	if _, err := c.gate.CanJoin(ctx, caller, documentID); err != nil {
		return nil, err
	}
	participants, err := c.presence.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return participants, nil
}

// SaveNow commits any pending edit and persists the buffer immediately.
func (c *Coordinator) SaveNow(ctx context.Context, caller Caller, documentID string) (SaveResult, error) {
	if _, err := c.gate.CanEdit(ctx, caller, documentID); err != nil {
		return SaveResult{}, err
	}
	c.debouncer.Settle(documentID)
	return c.flusher.ForceSave(ctx, documentID, caller.UserID)
}

// ListRevisions returns the report's saves, oldest first.
func (c *Coordinator) ListRevisions(ctx context.Context, caller Caller, documentID string) ([]Revision, error) {
	if _, err := c.gate.CanViewHistory(ctx, caller, documentID); err != nil {
		return nil, err
	}
	revisions := []Revision{}
	if c.revisions == nil {
		return revisions, nil
	}
	rows, err := c.revisions.ListReportRevisions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	for _, row := range rows {
		contributors := row.Contributors
		if contributors == nil {
			contributors = []string{}
		}
		revisions = append(revisions, Revision{
			Version:      row.Version,
			SavedBy:      row.SavedBy,
			Contributors: contributors,
			SavedAt:      row.CreatedAt,
		})
	}
	return revisions, nil
}

// HandleDisconnect runs when a realtime connection drops without leaving.
// When it was the user's last local connection every presence entry of the
// user is swept; otherwise only documents no other connection of the user
// is subscribed to are left.
func (c *Coordinator) HandleDisconnect(ctx context.Context, caller Caller, documentIDs []string, lastConnection bool) {
	if caller.UserID == "" {
		return
	}
	if lastConnection {
		err := c.presence.Sweep(ctx, caller.UserID, func(ctx context.Context, documentID string, remaining int) {
			c.afterRemoval(ctx, caller.UserID, "", documentID, remaining)
		})
		if err != nil {
			c.log.WithError(err).WithField("user_id", caller.UserID).Warn("disconnect: sweep failed")
		}
		return
	}
	for _, documentID := range documentIDs {
		if c.transport.UserConnected(caller.UserID, documentID, caller.ConnID) {
			continue
		}
		if err := c.leave(ctx, caller.UserID, caller.ConnID, documentID); err != nil {
			c.logger(documentID, caller.UserID).WithError(err).Warn("disconnect: leave failed")
		}
	}
}

// Close commits pending edits before shutdown.
func (c *Coordinator) Close() {
	c.debouncer.Close()
}

func (c *Coordinator) leave(ctx context.Context, userID, connID, documentID string) error {
	removed, remaining, err := c.presence.Remove(ctx, documentID, userID)
	if err != nil {
		c.logger(documentID, userID).WithError(err).Warn("leave: remove presence failed")
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !removed {
		return nil
	}
	c.afterRemoval(ctx, userID, connID, documentID, remaining)
	return nil
}

// afterRemoval announces the departure and, when the session is now empty,
// saves whatever is still buffered.
func (c *Coordinator) afterRemoval(ctx context.Context, userID, connID, documentID string, remaining int) {
	logger := c.logger(documentID, userID)
	c.broadcast(ctx, documentID, Event{
		Name:       EventParticipantLeft,
		DocumentID: documentID,
		Payload:    ParticipantLeftPayload{UserID: userID},
	}, Exclude{ConnID: connID})
	logger.WithField("remaining", remaining).Info("participant left")

	if remaining > 0 {
		return
	}
	c.debouncer.Settle(documentID)
	count, err := c.changes.PendingCount(ctx, documentID)
	if err != nil {
		logger.WithError(err).Warn("leave: pending count unavailable, periodic flush will retry")
		return
	}
	if count == 0 {
		return
	}
	if _, err := c.flusher.ForceSave(ctx, documentID, userID); err != nil {
		logger.WithError(err).Error("leave: save after last participant failed")
	}
}

// commit runs when a document's quiet window ends.
func (c *Coordinator) commit(ctx context.Context, documentID string, change Change) {
	logger := c.logger(documentID, change.AuthorUserID)
	change.CommittedAt = time.Now().UTC()
	count, err := c.changes.Append(ctx, documentID, change)
	if err != nil {
		logger.WithError(err).Error("commit: append change failed")
		if change.AuthorUserID != "" {
			notice := ErrorNotice(documentID, fmt.Errorf("%w: %v", ErrTransientStore, err))
			if err := c.transport.ToUser(ctx, change.AuthorUserID, notice); err != nil {
				logger.WithError(err).Warn("commit: error notice failed")
			}
		}
		return
	}

	c.broadcast(ctx, documentID, Event{
		Name:       EventChangeBroadcast,
		DocumentID: documentID,
		Payload: ChangeBroadcastPayload{
			Content:   change.Content,
			Author:    change.AuthorUserID,
			Timestamp: change.Timestamp,
		},
	}, Exclude{UserID: change.AuthorUserID})

	if c.policy.MaxChanges > 0 && count >= c.policy.MaxChanges {
		if _, err := c.flusher.ForceSave(ctx, documentID, ""); err != nil {
			logger.WithError(err).Error("commit: save at change limit failed")
		}
	}
}

func (c *Coordinator) resolveIdentity(ctx context.Context, caller Caller) (string, string) {
	name, email := caller.Name, caller.Email
	if c.identities == nil {
		return name, email
	}
	user, err := c.identities.GetUserByID(ctx, caller.UserID)
	if err != nil {
		c.log.WithError(err).WithField("user_id", caller.UserID).Debug("identity lookup failed, using token claims")
		return name, email
	}
	if user.DisplayName != "" {
		name = user.DisplayName
	}
	if user.Email != "" {
		email = user.Email
	}
	return name, email
}

func (c *Coordinator) send(ctx context.Context, connID string, ev Event) {
	if err := c.transport.ToConnection(ctx, connID, ev); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"conn_id": connID, "event": ev.Name}).Warn("send failed")
	}
}

func (c *Coordinator) broadcast(ctx context.Context, documentID string, ev Event, exclude Exclude) {
	if err := c.transport.ToDocument(ctx, documentID, ev, exclude); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"document_id": documentID, "event": ev.Name}).Warn("broadcast failed")
	}
}

func (c *Coordinator) logger(documentID, userID string) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{"document_id": documentID, "user_id": userID})
}
