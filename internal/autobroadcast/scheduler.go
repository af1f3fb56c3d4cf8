// Package autobroadcast runs self-rescheduling timers that repeat a fixed
// line into the broadcast queue.
package autobroadcast

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Push receives each line a timer emits.
type Push func(text string)

type chain struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
}

func (c *chain) current() *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer
}

// Scheduler owns the live timer chains, keyed by auto quote id.
type Scheduler struct {
	push Push

	mu     sync.Mutex
	chains map[int64]*chain
}

func New(push Push) *Scheduler {
	return &Scheduler{push: push, chains: make(map[int64]*chain)}
}

// Start pushes text now and again every period until Stop(id). A chain
// already running under id is replaced.
func (s *Scheduler) Start(id int64, text string, period time.Duration) {
	if period <= 0 {
		slog.Warn("autobroadcast: refusing non-positive period", "id", id, "period", period)
		return
	}
	s.Stop(id)

	ctx, cancel := context.WithCancel(context.Background())
	c := &chain{ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.chains[id] = c
	s.mu.Unlock()

	s.push(text)
	c.mu.Lock()
	s.arm(c, text, period)
	c.mu.Unlock()
	slog.Debug("autobroadcast: started", "id", id, "period", period)
}

// arm schedules the next link. Callers hold c.mu, so a Stop that has
// cancelled the context waits for an in-flight link to finish and then sees
// no further pushes.
func (s *Scheduler) arm(c *chain, text string, period time.Duration) {
	if c.ctx.Err() != nil {
		return
	}
	c.timer = time.AfterFunc(period, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		s.push(text)
		s.arm(c, text, period)
	})
}

// Stop cancels the chain for id and reports whether one was running.
func (s *Scheduler) Stop(id int64) bool {
	s.mu.Lock()
	c, ok := s.chains[id]
	delete(s.chains, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	c.cancel()
	if t := c.current(); t != nil {
		t.Stop()
	}
	// A link that was mid-fire during the first stop may have re-armed.
	if t := c.current(); t != nil {
		t.Stop()
	}
	slog.Debug("autobroadcast: stopped", "id", id)
	return true
}

func (s *Scheduler) StopAll() {
	for _, id := range s.Running() {
		s.Stop(id)
	}
}

// Running lists the ids with a live chain, ascending.
func (s *Scheduler) Running() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}
