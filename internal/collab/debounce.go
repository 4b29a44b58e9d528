package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/util"
)

// CommitFunc receives the change that survived a quiet window.
type CommitFunc func(ctx context.Context, documentID string, change Change)

// Debouncer coalesces bursts of edits per document. Each submit overwrites
// the shared pending slot and re-arms a local timer; when the timer fires the
// slot is taken only if it still holds that submit's token.
type Debouncer struct {
	state      StateStore
	window     time.Duration
	pendingTTL time.Duration
	commit     CommitFunc
	log        logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	timers  map[string]*armedTimer
	running sync.WaitGroup
}

type armedTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	token string
	// done is closed when the currently armed timer has finished firing.
	done chan struct{}

	// commitMu orders take-and-commit so an older take never lands last.
	commitMu sync.Mutex
}

const fireTimeout = 10 * time.Second

var errShuttingDown = fmt.Errorf("%w: shutting down", ErrTransientStore)

func NewDebouncer(state StateStore, window, pendingTTL time.Duration, commit CommitFunc, log logrus.FieldLogger) *Debouncer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Debouncer{
		state:      state,
		window:     window,
		pendingTTL: pendingTTL,
		commit:     commit,
		log:        log,
		timers:     make(map[string]*armedTimer),
	}
}

// Submit stores change as the document's pending edit and restarts its
// quiet window.
func (d *Debouncer) Submit(ctx context.Context, documentID string, change Change) error {
	entry, err := d.reserve(documentID)
	if err != nil {
		return err
	}
	// Writing the slot and arming under the entry lock keeps the last write
	// and the last armed timer in the same order.
	defer entry.mu.Unlock()

	token := util.NewID("chg")
	if err := d.state.PutPending(ctx, documentID, PendingChange{Change: change, Token: token}, d.pendingTTL); err != nil {
		d.running.Done()
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if entry.timer != nil && entry.timer.Stop() {
		d.running.Done()
	}
	done := make(chan struct{})
	entry.token = token
	entry.done = done
	entry.timer = time.AfterFunc(d.window, func() {
		defer d.running.Done()
		defer close(done)
		d.fire(documentID, entry, token)
	})
	return nil
}

// reserve returns the document's entry locked and still registered, and
// holds a running slot for the timer the caller arms. A slot is released
// by the timer when it runs or by whoever stops it.
func (d *Debouncer) reserve(documentID string) (*armedTimer, error) {
	reserved := false
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			if reserved {
				d.running.Done()
			}
			return nil, errShuttingDown
		}
		entry, ok := d.timers[documentID]
		if !ok {
			entry = &armedTimer{}
			d.timers[documentID] = entry
		}
		if !reserved {
			d.running.Add(1)
			reserved = true
		}
		d.mu.Unlock()

		entry.mu.Lock()
		d.mu.Lock()
		registered := d.timers[documentID] == entry
		d.mu.Unlock()
		if registered {
			return entry, nil
		}
		// A fire released the entry while we waited for it.
		entry.mu.Unlock()
	}
}

func (d *Debouncer) fire(documentID string, entry *armedTimer, token string) {
	defer d.release(documentID, entry, token)

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	entry.commitMu.Lock()
	defer entry.commitMu.Unlock()

	pending, ok, err := d.state.TakePending(ctx, documentID, token)
	if err != nil {
		d.log.WithError(err).WithField("document_id", documentID).Warn("debounce: take pending change failed")
		return
	}
	if !ok {
		return
	}
	d.commit(ctx, documentID, pending.Change)
}

// release unregisters the entry once its latest timer has committed.
func (d *Debouncer) release(documentID string, entry *armedTimer, token string) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.token != token {
		return
	}
	d.mu.Lock()
	if d.timers[documentID] == entry {
		delete(d.timers, documentID)
	}
	d.mu.Unlock()
}

// Close stops accepting edits, fires every armed timer immediately and waits
// for in-flight commits.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	entries := make(map[string]*armedTimer, len(d.timers))
	for documentID, entry := range d.timers {
		entries[documentID] = entry
	}
	d.mu.Unlock()

	for documentID, entry := range entries {
		d.fireNow(documentID, entry)
	}
	d.running.Wait()
}

// Settle commits the document's pending edit now instead of waiting for the
// rest of its quiet window, or waits for a commit already under way. It does
// nothing when no timer is armed here.
func (d *Debouncer) Settle(documentID string) {
	d.mu.Lock()
	entry, ok := d.timers[documentID]
	d.mu.Unlock()
	if ok {
		d.fireNow(documentID, entry)
	}
}

func (d *Debouncer) fireNow(documentID string, entry *armedTimer) {
	entry.mu.Lock()
	if entry.timer == nil {
		entry.mu.Unlock()
		return
	}
	done := entry.done
	if !entry.timer.Stop() {
		entry.mu.Unlock()
		<-done
		return
	}
	token := entry.token
	entry.timer = nil
	entry.mu.Unlock()

	d.fire(documentID, entry, token)
	close(done)
	d.running.Done()
}
