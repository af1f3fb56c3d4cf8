// Package playerqueue holds the viewer play queue: players who have played
// the fewest times are served first, ties in arrival order.
package playerqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrDuplicate     = errors.New("playerqueue: player already queued")
	ErrEmpty         = errors.New("playerqueue: queue is empty")
	ErrNotFound      = errors.New("playerqueue: player not queued")
	ErrCannotPromote = errors.New("playerqueue: priority already at minimum")
)

// DefaultCycleSize is how many players a cycle pulls when nothing else is set.
const DefaultCycleSize = 7

// Entry is one queued player. Priority counts how many times the player has
// already been served; lower goes first.
type Entry struct {
	Player   string
	Priority int
}

// MarshalJSON encodes the entry as a two element array.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Player, e.Priority})
}

// UnmarshalJSON accepts the two element array form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("playerqueue: entry needs 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Player); err != nil {
		return fmt.Errorf("playerqueue: entry player: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Priority); err != nil {
		return fmt.Errorf("playerqueue: entry priority: %w", err)
	}
	return nil
}

// Queue is safe for concurrent use. entries[0] is the front.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	cycle    int
	onChange func([]Entry)
}

func New() *Queue {
	return &Queue{cycle: DefaultCycleSize}
}

// FromEntries rebuilds a queue by pushing entries in order. Duplicates are
// skipped.
func FromEntries(entries []Entry) *Queue {
	q := New()
	for _, e := range entries {
		_ = q.push(e.Player, e.Priority)
	}
	return q
}

// OnChange registers fn to receive a copy of the entries after every
// mutation. fn runs with the queue lock held and must not call back into q.
func (q *Queue) OnChange(fn func([]Entry)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

func (q *Queue) changed() {
	if q.onChange != nil {
		q.onChange(q.snapshot())
	}
}

func (q *Queue) snapshot() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) indexOf(player string) int {
	for i, e := range q.entries {
		if e.Player == player {
			return i
		}
	}
	return -1
}

// push inserts after every entry whose priority is <= priority.
func (q *Queue) push(player string, priority int) error {
	if q.indexOf(player) >= 0 {
		return ErrDuplicate
	}
	at := len(q.entries)
	for i, e := range q.entries {
		if e.Priority > priority {
			at = i
			break
		}
	}
	q.entries = append(q.entries, Entry{})
	copy(q.entries[at+1:], q.entries[at:])
	q.entries[at] = Entry{Player: player, Priority: priority}
	return nil
}

func (q *Queue) remove(i int) Entry {
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return e
}

// Push queues player. The queue is left untouched on ErrDuplicate.
func (q *Queue) Push(player string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.push(player, priority); err != nil {
		return err
	}
	q.changed()
	return nil
}

// Pop removes and returns the front player.
func (q *Queue) Pop() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", ErrEmpty
	}
	e := q.remove(0)
	q.changed()
	return e.Player, nil
}

// PopAll removes up to limit players from the front, in order.
func (q *Queue) PopAll(limit int) []string {
	entries := q.PopEntries(limit)
	if entries == nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Player)
	}
	return out
}

// PopEntries is PopAll keeping each player's priority, so the entries can be
// handed back to Restore.
func (q *Queue) PopEntries(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || len(q.entries) == 0 {
		return nil
	}
	if limit > len(q.entries) {
		limit = len(q.entries)
	}
	out := make([]Entry, limit)
	copy(out, q.entries[:limit])
	q.entries = append(q.entries[:0], q.entries[limit:]...)
	q.changed()
	return out
}

// Restore puts popped entries back ahead of everyone with the same priority,
// undoing a PopEntries or Reset. Players queued again in the meantime keep
// their current place.
func (q *Queue) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if q.indexOf(e.Player) >= 0 {
			continue
		}
		at := len(q.entries)
		for j, cur := range q.entries {
			if cur.Priority >= e.Priority {
				at = j
				break
			}
		}
		q.entries = append(q.entries, Entry{})
		copy(q.entries[at+1:], q.entries[at:])
		q.entries[at] = e
	}
	q.changed()
}

// Promote lowers the player's priority by one.
func (q *Queue) Promote(player string) error {
	return q.shift(player, -1)
}

// Demote raises the player's priority by one.
func (q *Queue) Demote(player string) error {
	return q.shift(player, +1)
}

func (q *Queue) shift(player string, delta int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(player)
	if i < 0 {
		return ErrNotFound
	}
	next := q.entries[i].Priority + delta
	if next < 0 {
		return ErrCannotPromote
	}
	q.remove(i)
	_ = q.push(player, next)
	q.changed()
	return nil
}

// Place puts e back at index at, removing any current entry for the same
// player first. at is clamped into the run of entries sharing e's priority so
// the queue stays ordered. It undoes a Promote, Demote or Remove given the
// entry and 0-based index the player had before.
func (q *Queue) Place(e Entry, at int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(e.Player); i >= 0 {
		q.remove(i)
	}
	lo, hi := len(q.entries), len(q.entries)
	for i, cur := range q.entries {
		if cur.Priority >= e.Priority && lo == len(q.entries) {
			lo = i
		}
		if cur.Priority > e.Priority {
			hi = i
			break
		}
	}
	at = max(lo, min(at, hi))
	q.entries = append(q.entries, Entry{})
	copy(q.entries[at+1:], q.entries[at:])
	q.entries[at] = e
	q.changed()
}

// Remove drops player from the queue.
func (q *Queue) Remove(player string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(player)
	if i < 0 {
		return ErrNotFound
	}
	q.remove(i)
	q.changed()
	return nil
}

// Position is the 1-based distance from the front, or 0 when absent.
func (q *Queue) Position(player string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(player) + 1
}

// Lookup finds a queued player case-insensitively and returns its entry.
func (q *Queue) Lookup(player string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if strings.EqualFold(e.Player, player) {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a copy, front first.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Reset empties the queue and returns what it held. The cycle size is left
// as configured.
func (q *Queue) Reset() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.entries
	q.entries = nil
	q.changed()
	return old
}

func (q *Queue) CycleSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cycle
}

func (q *Queue) SetCycleSize(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.cycle = n
	q.mu.Unlock()
}
