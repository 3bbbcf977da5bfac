// Package clock provides the monotonic time source and timer wheel that
// drive every scheduled wakeup in the daemon: refreshes, retries, and
// renotifications.
package clock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Kind identifies why a timer entry was scheduled.
type Kind int

const (
	RefreshDue Kind = iota
	RetryDue
	RenotifyDue
)

func (k Kind) String() string {
	switch k {
	case RefreshDue:
		return "refresh_due"
	case RetryDue:
		return "retry_due"
	case RenotifyDue:
		return "renotify_due"
	default:
		return "unknown"
	}
}

// Fired is a timer entry the wheel has determined is due.
type Fired struct {
	Account  string
	Kind     Kind
	Deadline time.Time
}

type entry struct {
	deadline  time.Time
	account   string
	kind      Kind
	cancelled bool
	index     int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is a priority queue of (deadline, account, kind) entries guarded by
// its own lock. Cancellation is by tombstone: a superseded entry is marked
// cancelled and skipped when it surfaces, rather than being spliced out of
// the heap.
type Wheel struct {
	mu    sync.Mutex
	clock clockwork.Clock
	heap  entryHeap
	live  map[string]*entry // account+kind -> the one live entry of that kind
}

// NewWheel creates a timer wheel driven by clk. Production callers pass
// clockwork.NewRealClock(); tests pass clockwork.NewFakeClock() and advance
// it explicitly.
func NewWheel(clk clockwork.Clock) *Wheel {
	return &Wheel{
		clock: clk,
		live:  make(map[string]*entry),
	}
}

func liveKey(account string, kind Kind) string {
	return account + "\x00" + kind.String()
}

// Schedule installs a timer for account/kind at deadline, tombstoning any
// existing live timer it supersedes. RefreshDue and RetryDue supersede each
// other as well as themselves, so an Active account with a refresh token
// always has exactly one future refresh-or-retry timer.
func (w *Wheel) Schedule(account string, kind Kind, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, k := range supersededKinds(kind) {
		key := liveKey(account, k)
		if old, ok := w.live[key]; ok {
			old.cancelled = true
			delete(w.live, key)
		}
	}

	e := &entry{deadline: deadline, account: account, kind: kind}
	w.live[liveKey(account, kind)] = e
	heap.Push(&w.heap, e)
}

func supersededKinds(kind Kind) []Kind {
	if kind == RenotifyDue {
		return []Kind{RenotifyDue}
	}
	return []Kind{RefreshDue, RetryDue}
}

// Cancel tombstones the live timer of the given kind for account, if any.
func (w *Wheel) Cancel(account string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := liveKey(account, kind)
	if e, ok := w.live[k]; ok {
		e.cancelled = true
		delete(w.live, k)
	}
}

// CancelAccount tombstones every live timer for account, used when an
// account is revoked or dropped by a reload.
func (w *Wheel) CancelAccount(account string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, kind := range []Kind{RefreshDue, RetryDue, RenotifyDue} {
		k := liveKey(account, kind)
		if e, ok := w.live[k]; ok {
			e.cancelled = true
			delete(w.live, k)
		}
	}
}

// Due pops and returns every non-cancelled entry whose deadline has passed,
// earliest first.
func (w *Wheel) Due() []Fired {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	var fired []Fired
	for w.heap.Len() > 0 && !w.heap[0].deadline.After(now) {
		e := heap.Pop(&w.heap).(*entry)
		if e.cancelled {
			continue
		}
		if cur, ok := w.live[liveKey(e.account, e.kind)]; ok && cur == e {
			delete(w.live, liveKey(e.account, e.kind))
		}
		fired = append(fired, Fired{Account: e.account, Kind: e.kind, Deadline: e.deadline})
	}
	return fired
}

// NextDeadline returns the earliest live deadline in the wheel, discarding
// any stale tombstones it encounters at the head. The supervisor uses this
// to size how long it can sleep before the next Due() call can find work.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.heap.Len() > 0 {
		if w.heap[0].cancelled {
			heap.Pop(&w.heap)
			continue
		}
		return w.heap[0].deadline, true
	}
	return time.Time{}, false
}

// Now returns the wheel's notion of the current time.
func (w *Wheel) Now() time.Time {
	return w.clock.Now()
}

// Clock exposes the underlying clockwork.Clock, mainly so callers can
// derive durations (Since, Sleep) without the wheel's lock.
func (w *Wheel) Clock() clockwork.Clock {
	return w.clock
}
