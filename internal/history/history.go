// Package history implements C5: the client-side memoized replay
// engine that turns an ordered event log plus a queue of unacknowledged
// optimistic events into point-in-time GameState snapshots, without
// ever trusting a memo entry as authoritative (spec.md §4.5, §8).
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/reducer"
)

// memoEntry is one {index, state} checkpoint (spec.md §4.5). index -1
// is the post-create state, stored before any event at index 0.
type memoEntry struct {
	index int
	state *reducer.GameState
}

// OptimisticWatchdog is invoked when an optimistic event has sat in the
// queue longer than watchdogPeriod — the caller treats this as a
// dropped transport and reconnects (spec.md §4.5 addOptimisticEvent).
type OptimisticWatchdog func(event reducer.Event)

// Engine is one game's history: committed events, the memo cache, and
// the optimistic queue. Not safe for concurrent use without external
// synchronization beyond what Engine itself provides (it guards its
// own state with a mutex since it's shared between the connection's
// receive loop and the UI/ack-handling goroutines).
type Engine struct {
	mu sync.Mutex

	opts    reducer.Options
	memoRate int

	history          []reducer.Event
	optimisticEvents []reducer.Event
	memo             []memoEntry

	watchdogPeriod time.Duration
	onWatchdog     OptimisticWatchdog
	timers         map[int]*time.Timer // keyed by optimistic queue slot
}

// New builds an Engine seeded with the post-create state at index -1.
// memoRate is MEMO_RATE (spec.md §6.5, default 10).
func New(createState *reducer.GameState, opts reducer.Options, memoRate int, watchdogPeriod time.Duration, onWatchdog OptimisticWatchdog) *Engine {
	if memoRate <= 0 {
		memoRate = 10
	}
	return &Engine{
		opts:           opts,
		memoRate:       memoRate,
		memo:           []memoEntry{{index: -1, state: createState}},
		watchdogPeriod: watchdogPeriod,
		onWatchdog:     onWatchdog,
		timers:         make(map[int]*time.Timer),
	}
}

// AddEvent inserts e into history by timestamp (binary search), after
// any events that share its timestamp, discards the optimistic events
// that match it (see discardOptimistic), invalidates
// stale memo entries, and re-memoizes every MEMO_RATE-th index walking
// forward from the insertion point (spec.md §4.5).
func (e *Engine) AddEvent(ev reducer.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) > 0 && ev.Timestamp < e.history[0].Timestamp {
		return apierr.New(apierr.Validation, "event predates the game's create event")
	}

	idx := sort.Search(len(e.history), func(i int) bool {
		return e.history[i].Timestamp > ev.Timestamp
	})
	e.history = append(e.history, reducer.Event{})
	copy(e.history[idx+1:], e.history[idx:])
	e.history[idx] = ev

	e.discardOptimistic(ev)

	// Invalidate every memo entry whose index >= the insertion point;
	// a later event changed the state those entries cached.
	kept := e.memo[:0:0]
	for _, m := range e.memo {
		if m.index < idx {
			kept = append(kept, m)
		}
	}
	e.memo = kept

	e.rememoizeFrom()
	return nil
}

// discardOptimistic drops every optimistic event with the same user and
// type as ev — the server's authoritative copy has now arrived.
// Timestamps and params are not compared. The watchdog timers of the
// events that stay queued are re-keyed to their new queue slots.
func (e *Engine) discardOptimistic(ev reducer.Event) {
	out := e.optimisticEvents[:0]
	timers := make(map[int]*time.Timer, len(e.timers))
	for i, oe := range e.optimisticEvents {
		if oe.User == ev.User && oe.Type == ev.Type {
			if t, ok := e.timers[i]; ok {
				t.Stop()
			}
			continue
		}
		if t, ok := e.timers[i]; ok {
			timers[len(out)] = t
		}
		out = append(out, oe)
	}
	e.optimisticEvents = out
	e.timers = timers
}

// rememoizeFrom walks forward from (memo's last index + 1) and stores
// a checkpoint every memoRate-th index, stamping gameTimestamp on each
// replayed event as it goes (spec.md §4.5 "backfill e.gameTimestamp").
func (e *Engine) rememoizeFrom() {
	start := e.memo[len(e.memo)-1].index
	state := e.memo[len(e.memo)-1].state
	for i := start + 1; i < len(e.history); i++ {
		next, err := reducer.Reduce(state, e.history[i], e.opts)
		if err != nil {
			return
		}
		state = next
		if state != nil {
			e.history[i].GameTimestamp = state.Clock.TrueTotalTime
		}
		if (i+1)%e.memoRate == 0 {
			e.memo = append(e.memo, memoEntry{index: i, state: state})
		}
	}
}

// GetSnapshotAtIndex replays from the nearest memo entry at or before
// i, optionally layering the optimistic queue on top (spec.md §4.5).
func (e *Engine) GetSnapshotAtIndex(i int, optimistic bool) (*reducer.GameState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotAtIndexLocked(i, optimistic)
}

func (e *Engine) snapshotAtIndexLocked(i int, optimistic bool) (*reducer.GameState, error) {
	base := e.memo[0]
	for _, m := range e.memo {
		if m.index <= i {
			base = m
		} else {
			break
		}
	}

	state := base.state
	for idx := base.index + 1; idx <= i && idx < len(e.history); idx++ {
		next, err := reducer.Reduce(state, e.history[idx], e.opts)
		if err != nil {
			return nil, err
		}
		state = next
	}

	if optimistic {
		optOpts := e.opts
		optOpts.Optimistic = true
		for _, oe := range e.optimisticEvents {
			next, err := reducer.Reduce(state, oe, optOpts)
			if err != nil {
				return nil, err
			}
			state = next
		}
	}

	return state, nil
}

// GetSnapshotAt returns the snapshot immediately preceding the event
// whose gameTimestamp equals ts (spec.md §4.5 getSnapshotAt), used to
// scrub playback to a wall-clock-meaningful point.
func (e *Engine) GetSnapshotAt(gameTimestamp int64) (*reducer.GameState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := sort.Search(len(e.history), func(i int) bool {
		return e.history[i].GameTimestamp >= gameTimestamp
	})
	return e.snapshotAtIndexLocked(idx-1, false)
}

// AddOptimisticEvent appends ev to the optimistic queue with a
// synthesized timestamp derived from the last known server timestamp,
// and arms a watchdog that fires onWatchdog if the event is still
// queued after watchdogPeriod (spec.md §4.5).
func (e *Engine) AddOptimisticEvent(ev reducer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lastServerTS := int64(0)
	if len(e.history) > 0 {
		lastServerTS = e.history[len(e.history)-1].Timestamp
	}
	slot := len(e.optimisticEvents)
	ev.Timestamp = lastServerTS + 1000 + int64(slot)
	e.optimisticEvents = append(e.optimisticEvents, ev)

	if e.watchdogPeriod > 0 && e.onWatchdog != nil {
		e.timers[slot] = time.AfterFunc(e.watchdogPeriod, func() {
			e.onWatchdog(ev)
		})
	}
}

// ClearOptimisticEvents drops the entire optimistic queue and stops
// any pending watchdogs (spec.md §4.5, on explicit reset/reconnect).
func (e *Engine) ClearOptimisticEvents() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[int]*time.Timer)
	e.optimisticEvents = nil
}

// Len reports the committed history length.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}
