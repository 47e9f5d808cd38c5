// Package fanout implements the swarm fan-out helper: given a list of
// candidate manager Agent ids, try each in turn until one answers, skipping
// ones a reachability cache already knows are down.
package fanout

import (
	"context"
	"fmt"
)

// Call invokes one RPC against the named manager Agent.
type Call[T any] func(ctx context.Context, managerID string) (T, error)

// Try runs call against each id in managers, in order, until one succeeds.
// Ids the cache reports as unreachable are skipped without being tried.
// Only the last error is kept; if every tried candidate fails, that last
// error is returned wrapped. If no candidate was tried (managers is empty or
// every id was skipped), a "no reachable manager" error is returned.
func Try[T any](ctx context.Context, managers []string, cache *StateCache, call Call[T]) (T, error) {
	var zero T
	var lastErr error

	tried := 0
	for _, id := range managers {
		if cache != nil && !cache.Reachable(id) {
			continue
		}
		tried++
		result, err := call(ctx, id)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if tried == 0 {
		return zero, fmt.Errorf("fanout: no reachable manager among %d candidates", len(managers))
	}
	return zero, fmt.Errorf("fanout: all %d candidates failed, last error: %w", tried, lastErr)
}
