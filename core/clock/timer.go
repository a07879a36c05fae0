package clock

import (
	"sync"

	"github.com/google/btree"

	"github.com/corehv/corehv/core/hverr"
)

// Event is a timer event (spec.md §3 "Timer event"). It is created
// externally and started/stopped any number of times; a fired event may
// restart itself from its own Handler.
type Event struct {
	ExpiryNS   uint64
	DurationNS uint64
	Handler    func(ev *Event)
	Priv       any
	Active     bool
	CPU        int

	seq uint64 // insertion sequence, breaks expiry ties in queue order
}

func timerLess(a, b *Event) bool {
	if a.ExpiryNS != b.ExpiryNS {
		return a.ExpiryNS < b.ExpiryNS
	}
	return a.seq < b.seq
}

// Queue is a single CPU's ordered timer list, backed by an ordered tree
// (github.com/google/btree, grounded on its indirect use in the retrieved
// pack for exactly this "ordered by key" shape) instead of a hand-rolled
// linked-list walk — insert/remove/min are all O(log n).
type Queue struct {
	mu   sync.Mutex
	cpu  int
	tree *btree.BTreeG[*Event]
	seq  uint64
	now  func() uint64
	chip *ClockChip
}

// NewQueue builds the timer queue for one CPU, driven by `now` (typically
// TimerTimestamp) and reprogramming `chip` as the head event changes.
func NewQueue(cpu int, now func() uint64, chip *ClockChip) *Queue {
	q := &Queue{cpu: cpu, tree: btree.NewG(32, timerLess), now: now, chip: chip}
	if chip != nil {
		chip.EventHandler = q.Fire
	}
	return q
}

// Start sets expiry to now+duration and inserts the event in sort order,
// reprogramming the clockchip if this event becomes the new head.
func (q *Queue) Start(ev *Event, durationNS uint64) {
	q.mu.Lock()
	if ev.Active {
		q.tree.Delete(ev)
	}
	q.seq++
	ev.seq = q.seq
	ev.DurationNS = durationNS
	ev.ExpiryNS = q.now() + durationNS
	ev.CPU = q.cpu
	ev.Active = true
	q.tree.ReplaceOrInsert(ev)
	head, _ := q.tree.Min()
	becameHead := head == ev
	q.mu.Unlock()

	if becameHead {
		q.reprogram()
	}
}

// Stop removes ev from the queue. It is idempotent against an already-fired
// event (Active == false is a no-op, not an error).
func (q *Queue) Stop(ev *Event) {
	q.mu.Lock()
	if !ev.Active {
		q.mu.Unlock()
		return
	}
	q.tree.Delete(ev)
	ev.Active = false
	q.mu.Unlock()
	q.reprogram()
}

// Fire is bound as the clockchip's EventHandler: it pops every event with
// expiry <= now, marks them inactive, runs their handlers (which may
// restart them), then reprograms for the new head.
func (q *Queue) Fire() {
	now := q.now()
	var due []*Event
	q.mu.Lock()
	for {
		head, ok := q.tree.Min()
		if !ok || head.ExpiryNS > now {
			break
		}
		q.tree.DeleteMin()
		head.Active = false
		due = append(due, head)
	}
	q.mu.Unlock()

	for _, ev := range due {
		if ev.Handler != nil {
			ev.Handler(ev)
		}
	}
	q.reprogram()
}

func (q *Queue) reprogram() {
	if q.chip == nil {
		return
	}
	q.mu.Lock()
	head, ok := q.tree.Min()
	q.mu.Unlock()
	if !ok {
		return
	}
	if err := q.chip.ProgramEvent(q.now(), head.ExpiryNS); err != nil {
		hverr.WarnOn(true, "clockchip %s: reprogram failed: %v", q.chip.Name, err)
	}
}

// Len reports the number of active events queued, for tests/diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
