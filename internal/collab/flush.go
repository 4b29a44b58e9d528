package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/util"
)

// FlushPolicy holds the thresholds that make buffered changes due for a save.
type FlushPolicy struct {
	Inactivity time.Duration
	MaxChanges int
	MaxAge     time.Duration
}

func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		Inactivity: time.Minute,
		MaxChanges: 200,
		MaxAge:     5 * time.Minute,
	}
}

// SaveResult describes one ForceSave call.
type SaveResult struct {
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
	Persisted  int    `json:"persisted"`
	Remaining  int    `json:"remaining"`
	// Skipped is set when another flush of the same document holds the lock.
	Skipped bool `json:"skipped"`
}

const (
	flushLockTTL = 30 * time.Second
	saveTimeout  = 20 * time.Second
)

// Flusher writes buffered changes back to the report store.
type Flusher struct {
	state   StateStore
	changes *ChangeLog
	reports Reports
	policy  FlushPolicy
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewFlusher(state StateStore, changes *ChangeLog, reports Reports, policy FlushPolicy, log logrus.FieldLogger) *Flusher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flusher{
		state:   state,
		changes: changes,
		reports: reports,
		policy:  policy,
		now:     time.Now,
		log:     log,
	}
}

// ShouldFlush is true when the document has buffered changes and any of the
// policy thresholds is reached.
func (f *Flusher) ShouldFlush(ctx context.Context, documentID string) (bool, error) {
	count, err := f.changes.PendingCount(ctx, documentID)
	if err != nil || count == 0 {
		return false, err
	}
	if f.policy.MaxChanges > 0 && count >= f.policy.MaxChanges {
		return true, nil
	}

	now := f.now()
	last, ok, err := f.state.LastChange(ctx, documentID)
	if err != nil {
		return false, err
	}
	if ok && now.Sub(last.committedTime()) >= f.policy.Inactivity {
		return true, nil
	}
	first, ok, err := f.state.FirstChange(ctx, documentID)
	if err != nil {
		return false, err
	}
	return ok && now.Sub(first.committedTime()) >= f.policy.MaxAge, nil
}

// ForceSave persists the latest committed content on top of the report's
// current version and clears the changes it covered. On failure the buffer
// is left untouched so the next trigger retries with everything. Once
// started, a save is not cancelled by the caller's context.
func (f *Flusher) ForceSave(ctx context.Context, documentID, triggeringUser string) (SaveResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	logger := f.log.WithFields(logrus.Fields{"document_id": documentID, "user_id": triggeringUser})
	result := SaveResult{DocumentID: documentID}

	lockToken := util.NewID("flush")
	acquired, err := f.state.AcquireFlushLock(ctx, documentID, lockToken, flushLockTTL)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !acquired {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := f.state.ReleaseFlushLock(ctx, documentID, lockToken); err != nil {
			logger.WithError(err).Warn("release flush lock failed")
		}
	}()

	changes, err := f.changes.All(ctx, documentID)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if len(changes) == 0 {
		return result, nil
	}
	latest := changes[len(changes)-1]

	report, err := f.reports.GetReport(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		// The report is gone; its buffer can never be saved.
		remaining, clearErr := f.changes.Clear(ctx, documentID, len(changes))
		if clearErr != nil {
			logger.WithError(clearErr).Warn("flush: clear buffer of deleted report failed")
		}
		logger.WithFields(logrus.Fields{"discarded": len(changes), "remaining": remaining}).
			Warn("flush: report no longer exists, discarding buffered changes")
		result.Remaining = remaining
		return result, ErrDocumentNotFound
	}
	if err != nil {
		logger.WithError(err).Error("flush: load report failed")
		return result, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	contributors, err := f.changes.Contributors(ctx, documentID)
	if err != nil {
		logger.WithError(err).Warn("flush: contributors unavailable")
		contributors = nil
	}
	savedBy := triggeringUser
	if savedBy == "" {
		savedBy = latest.AuthorUserID
	}

	version, err := f.reports.SaveReportContent(ctx, documentID, latest.Content, report.Version, savedBy, contributors)
	if err != nil {
		logger.WithError(err).WithField("buffered", len(changes)).Error("flush: save failed, keeping buffer")
		return result, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	result.Version = version
	result.Persisted = len(changes)

	remaining, err := f.changes.Clear(ctx, documentID, len(changes))
	if err != nil {
		// The content is saved; a retained buffer only causes an identical re-save.
		logger.WithError(err).Warn("flush: clear buffer failed")
		remaining = len(changes)
	}
	result.Remaining = remaining

	logger.WithFields(logrus.Fields{
		"version":   version,
		"persisted": len(changes),
		"remaining": remaining,
	}).Info("report flushed")
	return result, nil
}

// CheckAll force-saves every active document that is due.
func (f *Flusher) CheckAll(ctx context.Context) {
	documents, err := f.state.ActiveDocuments(ctx)
	if err != nil {
		f.log.WithError(err).Warn("flush check: list active documents failed")
		return
	}
	for _, documentID := range documents {
		if ctx.Err() != nil {
			return
		}
		due, err := f.ShouldFlush(ctx, documentID)
		if err != nil {
			f.log.WithError(err).WithField("document_id", documentID).Warn("flush check failed")
			continue
		}
		if !due {
			continue
		}
		if _, err := f.ForceSave(ctx, documentID, ""); err != nil {
			f.log.WithError(err).WithField("document_id", documentID).Warn("flush check: save failed")
		}
	}
}

// Run calls CheckAll every interval until ctx is done.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.CheckAll(ctx)
		}
	}
}
