package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"playout-server/internal/infra/clock"

	"github.com/google/uuid"
)

// SendMode picks how a queue fires due entries.
type SendMode int

const (
	// SendModeBurst fires every due entry immediately, without waiting for
	// the previous handler to settle.
	SendModeBurst SendMode = iota
	// SendModeInOrder fires entries strictly sequentially, each handler
	// completing before the next starts.
	SendModeInOrder
)

// DispatchHandler executes one queued command at its firing time.
type DispatchHandler func(ctx context.Context, t int64, payload CommandWithContext) error

// QueuedEntry is the stable external view of a pending queue entry.
type QueuedEntry struct {
	Token   string `json:"token"`
	Time    int64  `json:"time"`
	QueueID string `json:"queueId"`
}

const _defaultSlowLimit = 500 * time.Millisecond

type doEntry struct {
	token   string
	time    int64
	queueID string
	seq     int
	handler DispatchHandler
	payload CommandWithContext
}

// DoOnTime is the per-device timed dispatch queue. Entries fire as close to
// their time as the clock allows, in non-decreasing (time, insertion) order.
func NewDoOnTime(c clock.Clock, mode SendMode, emitter *Emitter) *DoOnTime {
	return &DoOnTime{
		clock:     c,
		mode:      mode,
		emitter:   emitter,
		slowLimit: _defaultSlowLimit,
	}
}

type DoOnTime struct {
	clock     clock.Clock
	mode      SendMode
	emitter   *Emitter
	slowLimit time.Duration

	mu          sync.Mutex
	entries     []*doEntry
	seq         int
	timer       clock.Timer
	disposed    bool
	dispatching bool
}

// SetSlowLimit overrides the IN_ORDER slow-command threshold.
func (q *DoOnTime) SetSlowLimit(d time.Duration) {
	q.mu.Lock()
	q.slowLimit = d
	q.mu.Unlock()
}

// Queue schedules handler(payload) for time t and returns the entry token.
func (q *DoOnTime) Queue(t int64, queueID string, handler DispatchHandler, payload CommandWithContext) string {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return ""
	}
	q.seq++
	entry := &doEntry{
		token:   uuid.NewString(),
		time:    t,
		queueID: queueID,
		seq:     q.seq,
		handler: handler,
		payload: payload,
	}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.reschedule()
	return entry.token
}

// ClearQueueAfter removes entries strictly after t.
func (q *DoOnTime) ClearQueueAfter(t int64) {
	q.removeWhere(func(e *doEntry) bool { return e.time > t })
}

// ClearQueueNowAndAfter removes entries with time >= t. This is the engine's
// sole cancellation primitive; a handler already executing is not
// interrupted.
func (q *DoOnTime) ClearQueueNowAndAfter(t int64) {
	q.removeWhere(func(e *doEntry) bool { return e.time >= t })
}

// Remove drops a single entry by token.
func (q *DoOnTime) Remove(token string) bool {
	removed := false
	q.removeWhere(func(e *doEntry) bool {
		hit := e.token == token
		removed = removed || hit
		return hit
	})
	return removed
}

func (q *DoOnTime) removeWhere(drop func(*doEntry) bool) {
	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.mu.Unlock()
}

// GetQueue returns a stable snapshot of pending entries, ordered by firing
// time then insertion.
func (q *DoOnTime) GetQueue() []QueuedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	view := make([]QueuedEntry, len(q.entries))
	sorted := append([]*doEntry(nil), q.entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].time != sorted[j].time {
			return sorted[i].time < sorted[j].time
		}
		return sorted[i].seq < sorted[j].seq
	})
	for i, e := range sorted {
		view[i] = QueuedEntry{Token: e.token, Time: e.time, QueueID: e.queueID}
	}
	return view
}

// Advance nudges the queue to fire anything due.
func (q *DoOnTime) Advance() {
	q.dispatchDue()
	q.reschedule()
}

// Dispose drops all entries and suppresses every future firing.
func (q *DoOnTime) Dispose() {
	q.mu.Lock()
	q.disposed = true
	q.entries = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
}

func (q *DoOnTime) reschedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed || len(q.entries) == 0 {
		return
	}
	next := q.entries[0].time
	for _, e := range q.entries[1:] {
		if e.time < next {
			next = e.time
		}
	}
	delay := time.Duration(next-q.clock.Now()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.clock.AfterFunc(delay, func() {
		q.dispatchDue()
		q.reschedule()
	})
}

// dispatchDue fires every entry whose time has come, honoring the send mode.
func (q *DoOnTime) dispatchDue() {
	q.mu.Lock()
	if q.disposed || q.dispatching {
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	now := q.clock.Now()
	var due []*doEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.time <= now {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].time != due[j].time {
			return due[i].time < due[j].time
		}
		return due[i].seq < due[j].seq
	})

	for _, e := range due {
		switch q.mode {
		case SendModeBurst:
			go q.fire(e)
		default:
			q.fireInOrder(e, now)
		}
	}

	q.mu.Lock()
	q.dispatching = false
	q.mu.Unlock()
}

func (q *DoOnTime) fire(e *doEntry) {
	if err := e.handler(context.Background(), e.time, e.payload); err != nil {
		q.emit(EventError, fmt.Sprintf("dispatching command: %v", err))
	}
}

// fireInOrder runs one IN_ORDER entry. The wait is counted from the later of
// the entry's time and the start of the dispatch pass, so only time spent
// behind predecessors in the pass counts towards slowCommand.
func (q *DoOnTime) fireInOrder(e *doEntry, passStart int64) {
	waitFrom := e.time
	if passStart > waitFrom {
		waitFrom = passStart
	}
	delay := q.clock.Now() - waitFrom
	q.mu.Lock()
	limit := q.slowLimit.Milliseconds()
	q.mu.Unlock()
	if delay > limit {
		q.emit(EventSlowCommand, SlowCommand{QueueID: e.queueID, Time: e.time, Delay: delay})
	}
	if err := e.handler(context.Background(), e.time, e.payload); err != nil {
		q.emit(EventError, fmt.Sprintf("dispatching command: %v", err))
	}
}

func (q *DoOnTime) emit(event string, value any) {
	if q.emitter != nil {
		q.emitter.Emit(event, value)
	}
}
