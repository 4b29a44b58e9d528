package collab

import "context"

// ChangeLog is the per-document buffer of committed changes awaiting a save.
type ChangeLog struct {
	state StateStore
}

func NewChangeLog(state StateStore) *ChangeLog {
	return &ChangeLog{state: state}
}

// Append records a committed change and its author. It returns the number of
// unpersisted changes after the append.
func (l *ChangeLog) Append(ctx context.Context, documentID string, change Change) (int, error) {
	return l.state.AppendChange(ctx, documentID, change)
}

func (l *ChangeLog) PendingCount(ctx context.Context, documentID string) (int, error) {
	return l.state.ChangeCount(ctx, documentID)
}

// All returns the unpersisted changes, oldest first.
func (l *ChangeLog) All(ctx context.Context, documentID string) ([]Change, error) {
	return l.state.Changes(ctx, documentID)
}

// LatestContent returns the most recent committed content. ok is false when
// the caller should fall back to the persisted report body.
func (l *ChangeLog) LatestContent(ctx context.Context, documentID string) (content string, ok bool, err error) {
	change, ok, err := l.state.LastChange(ctx, documentID)
	if err != nil || !ok {
		return "", false, err
	}
	return change.Content, true, nil
}

func (l *ChangeLog) Contributors(ctx context.Context, documentID string) ([]string, error) {
	return l.state.Contributors(ctx, documentID)
}

// Clear drops the first persisted changes after a successful save. Changes
// committed while the save was running stay buffered for the next one.
func (l *ChangeLog) Clear(ctx context.Context, documentID string, persisted int) (remaining int, err error) {
	return l.state.TrimChanges(ctx, documentID, persisted)
}
