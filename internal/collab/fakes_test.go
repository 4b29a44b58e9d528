package collab_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/collab"
	"reportcollab/api/internal/session"
	"reportcollab/api/internal/store"
)

type saveCall struct {
	ReportID     string
	Content      string
	BaseVersion  int
	SavedBy      string
	Contributors []string
}

type fakeReports struct {
	mu      sync.Mutex
	reports map[string]store.Report
	saves     []saveCall
	revisions map[string][]store.ReportRevision
	saveErr   error
	getErr    error
}

func (f *fakeReports) GetReport(_ context.Context, reportID string) (store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.Report{}, f.getErr
	}
	report, ok := f.reports[reportID]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	return report, nil
}

func (f *fakeReports) SaveReportContent(_ context.Context, reportID, content string, baseVersion int, savedBy string, contributors []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{ReportID: reportID, Content: content, BaseVersion: baseVersion, SavedBy: savedBy, Contributors: contributors})
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	report, ok := f.reports[reportID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	if report.Version != baseVersion {
		return 0, store.ErrVersionConflict
	}
	report.Content = content
	report.Version++
	f.reports[reportID] = report
	if f.revisions == nil {
		f.revisions = map[string][]store.ReportRevision{}
	}
	f.revisions[reportID] = append(f.revisions[reportID], store.ReportRevision{
		ReportID:     reportID,
		Version:      report.Version,
		SavedBy:      savedBy,
		Contributors: contributors,
		CreatedAt:    time.Now().UTC(),
	})
	return report.Version, nil
}

func (f *fakeReports) ListReportRevisions(_ context.Context, reportID string) ([]store.ReportRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return append([]store.ReportRevision(nil), f.revisions[reportID]...), nil
}

func (f *fakeReports) deleteReport(reportID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reports, reportID)
}

func (f *fakeReports) setSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeReports) saveCalls() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saveCall(nil), f.saves...)
}

func (f *fakeReports) report(reportID string) store.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[reportID]
}

type fakeGroups struct {
	groups  map[string]store.Group
	members map[string][]store.GroupMember
	err     error
}

func (f *fakeGroups) GetGroup(_ context.Context, groupID string) (store.Group, error) {
	if f.err != nil {
		return store.Group{}, f.err
	}
	group, ok := f.groups[groupID]
	if !ok {
		return store.Group{}, sql.ErrNoRows
	}
	return group, nil
}

func (f *fakeGroups) ListGroupMembers(_ context.Context, groupID string) ([]store.GroupMember, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members[groupID], nil
}

type fakeIdentities struct {
	GetUserByIDFn func(ctx context.Context, userID string) (store.User, error)
}

func (f fakeIdentities) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.GetUserByIDFn != nil {
		return f.GetUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}

type sentEvent struct {
	Kind    string
	Target  string
	Event   collab.Event
	Exclude collab.Exclude
}

type recordingTransport struct {
	mu        sync.Mutex
	sent      []sentEvent
	subs      map[string]map[string]bool
	connected map[string]bool
	failSend  bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{subs: map[string]map[string]bool{}, connected: map[string]bool{}}
}

func (r *recordingTransport) Subscribe(connID, documentID string) {
	if connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[documentID] == nil {
		r.subs[documentID] = map[string]bool{}
	}
	r.subs[documentID][connID] = true
}

func (r *recordingTransport) Unsubscribe(connID, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[documentID], connID)
}

func (r *recordingTransport) UserConnected(userID, documentID, _ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[userID+"/"+documentID]
}

func (r *recordingTransport) record(kind, target string, ev collab.Event, exclude collab.Exclude) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{Kind: kind, Target: target, Event: ev, Exclude: exclude})
	if r.failSend {
		return errors.New("transport down")
	}
	return nil
}

func (r *recordingTransport) ToConnection(_ context.Context, connID string, ev collab.Event) error {
	return r.record("conn", connID, ev, collab.Exclude{})
}

func (r *recordingTransport) ToUser(_ context.Context, userID string, ev collab.Event) error {
	return r.record("user", userID, ev, collab.Exclude{})
}

func (r *recordingTransport) ToDocument(_ context.Context, documentID string, ev collab.Event, exclude collab.Exclude) error {
	return r.record("doc", documentID, ev, exclude)
}

func (r *recordingTransport) events(name string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, s := range r.sent {
		if s.Event.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	redis     *miniredis.Miniredis
	state     *session.RedisStore
	reports   *fakeReports
	groups    *fakeGroups
	transport *recordingTransport
	coord     *collab.Coordinator
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newFixture seeds report R1 (Draft, group G1 = {u1, u2}, version 1, empty
// content) plus a few reports that fail the gate in different ways.
func newFixture(t *testing.T, opts collab.Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	state := session.NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = state.Close() })

	reports := &fakeReports{reports: map[string]store.Report{
		"R1":         {ID: "R1", Status: store.StatusDraft, Version: 1, IsGroupSubmission: true, GroupID: "G1"},
		"R-revise":   {ID: "R-revise", Status: store.StatusRequiresRevision, Content: "old", Version: 4, IsGroupSubmission: true, GroupID: "G1"},
		"R-locked":   {ID: "R-locked", Status: store.StatusSubmitted, Version: 3, IsGroupSubmission: true, GroupID: "G1"},
		"R-solo":     {ID: "R-solo", Status: store.StatusDraft, Version: 1},
		"R-nogroup":  {ID: "R-nogroup", Status: store.StatusDraft, Version: 1, IsGroupSubmission: true},
		"R-orphaned": {ID: "R-orphaned", Status: store.StatusDraft, Version: 1, IsGroupSubmission: true, GroupID: "G-gone"},
	}}
	groups := &fakeGroups{
		groups: map[string]store.Group{"G1": {ID: "G1", CourseID: "C1", Name: "Team One"}},
		members: map[string][]store.GroupMember{"G1": {
			{GroupID: "G1", EnrollmentID: "e1", UserID: "u1", IsLeader: true},
			{GroupID: "G1", EnrollmentID: "e2", UserID: "u2"},
		}},
	}
	identities := fakeIdentities{GetUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
		if userID == "u1" {
			return store.User{ID: "u1", DisplayName: "Ursula One", Email: "u1@example.edu", Role: "student"}, nil
		}
		return store.User{}, sql.ErrNoRows
	}}
	transport := newRecordingTransport()

	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 50 * time.Millisecond
	}
	coord := collab.NewCoordinator(opts, collab.Dependencies{
		State:      state,
		Reports:    reports,
		Groups:     groups,
		Identities: identities,
		Revisions:  reports,
		Transport:  transport,
		Logger:     quietLogger(),
	})
	t.Cleanup(coord.Close)

	return &fixture{
		redis:     mr,
		state:     state,
		reports:   reports,
		groups:    groups,
		transport: transport,
		coord:     coord,
	}
}

func student(userID, connID string) collab.Caller {
	return collab.Caller{UserID: userID, Name: "Name " + userID, Role: "student", ConnID: connID}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
