package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Prober reports whether a manager Agent id currently looks reachable.
// Expected to be cheap and non-blocking-ish (a connected() check against
// the link layer, not a network round trip).
type Prober func(managerID string) bool

// StateCache is a best-effort, poll-based reachability pre-filter for
// swarm manager candidates; it is never a source of truth for anything
// else. It never blocks a Try call: reads
// are always against the last completed poll.
type StateCache struct {
	mu    sync.RWMutex
	state map[string]bool

	prober Prober
	ids    func() []string
	cron   *cron.Cron
	log    *slog.Logger
}

// NewStateCache builds a cache that, once started, polls every manager id
// returned by idsFunc using prober on the given cron schedule (e.g.
// "@every 30s").
func NewStateCache(idsFunc func() []string, prober Prober, log *slog.Logger) *StateCache {
	if log == nil {
		log = slog.Default()
	}
	return &StateCache{
		state:  make(map[string]bool),
		prober: prober,
		ids:    idsFunc,
		log:    log,
	}
}

// Reachable reports the last-known reachability of id. Unknown ids (never
// polled) are optimistically treated as reachable so a cold cache never
// blocks a legitimate candidate.
func (c *StateCache) Reachable(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reachable, known := c.state[id]
	if !known {
		return true
	}
	return reachable
}

func (c *StateCache) refresh() {
	for _, id := range c.ids() {
		reachable := c.prober(id)
		c.mu.Lock()
		c.state[id] = reachable
		c.mu.Unlock()
	}
}

// Start begins polling on schedule (default "@every 30s" if schedule is
// empty) until ctx is cancelled or Stop is called.
func (c *StateCache) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "@every 30s"
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, c.refresh); err != nil {
		return err
	}
	c.cron.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	c.refresh()
	return nil
}

// Stop halts the polling schedule. Safe to call more than once.
func (c *StateCache) Stop() {
	if c.cron == nil {
		return
	}
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		c.log.Warn("state cache cron stop timed out")
	}
}
