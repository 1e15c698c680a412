// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "time"

// ctTimeoutRefreshFloor is the remaining-lifetime threshold below which a
// live entry's underlying conntrack timeout is refreshed during a GC pass,
// so an idle but not-yet-expired offloaded flow's real kernel conntrack
// entry is never reaped by the conntrack subsystem ahead of the flow
// table's own timeout_deadline.
const (
	ctTimeoutRefreshFloor = 12 * time.Hour
	ctTimeoutRefreshTo    = 24 * time.Hour
)

// gcPass walks every entry once, and removes it if either KEEP is absent
// and the deadline has passed, or DYING is set, or TEARDOWN is set. Every
// live entry that survives the pass has its underlying conntrack timeout
// refreshed if its remaining lifetime has dropped under the refresh floor.
// It returns the number of entries removed, which Free uses to assert the
// closing pass actually drained the table.
func (t *Table) gcPass() int {
	now := time.Now()
	var dead []*Entry

	t.Walk(func(e *Entry) bool {
		if e.HasFlag(FlagTeardown) || e.HasFlag(FlagDying) {
			dead = append(dead, e)
			return true
		}
		if !e.HasFlag(FlagKeep) && e.Expired(now) {
			dead = append(dead, e)
			return true
		}
		if e.ct != nil && e.ct.RemainingTimeout() < ctTimeoutRefreshFloor {
			if err := e.ct.SetTimeout(ctTimeoutRefreshTo); err != nil {
				t.logger.Warn("failed to refresh conntrack timeout during gc", "error", err)
			}
		}
		return true
	})

	for _, e := range dead {
		t.Remove(e)
	}

	if len(dead) > 0 {
		t.metrics.GCSweeps.Inc()
		t.metrics.GCReclaimed.Add(float64(len(dead)))
	}

	return len(dead)
}
