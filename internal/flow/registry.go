// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "sync"

// registry replaces an intrusive global list with a mutex-protected set
// plus explicit register/unregister calls. It exists so device-down
// notifications can be fanned out to every live table without each
// caller having to track its own set.
var registry struct {
	mu     sync.Mutex
	tables map[*Table]struct{}
}

func init() {
	registry.tables = make(map[*Table]struct{})
}

func registerTable(t *Table) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.tables[t] = struct{}{}
}

func unregisterTable(t *Table) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.tables, t)
}

// forEachTable runs fn against a snapshot of every live table, used by the
// device-down notifier (devicedown.go) to fan a single netlink event out
// to all tables without holding the registry lock during each table's own
// work.
func forEachTable(fn func(*Table)) {
	registry.mu.Lock()
	snapshot := make([]*Table, 0, len(registry.tables))
	for t := range registry.tables {
		snapshot = append(snapshot, t)
	}
	registry.mu.Unlock()

	for _, t := range snapshot {
		fn(t)
	}
}
