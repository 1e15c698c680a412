// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flywall/internal/logging"
)

// TableFlags controls table-creation-time behavior.
type TableFlags uint32

const (
	// TableHW requests that the table mirror offloaded entries to the
	// registered hardware backend.
	TableHW TableFlags = 1 << iota
)

// Config resolves the tunables a Table needs at construction. It is the
// in-process counterpart of config.FlowTableConfig.
type Config struct {
	Buckets        int
	DefaultTimeout time.Duration
	GCInterval     time.Duration
	MaxEntries     int

	// GracePeriod bounds how long Remove waits before releasing an
	// entry's owned resources, giving in-flight readers time to finish.
	GracePeriod time.Duration
}

// DefaultConfigValues returns sane defaults, used when InitTable is
// called with a nil Config.
func DefaultConfigValues() Config {
	return Config{
		Buckets:        4096,
		DefaultTimeout: 30 * time.Second,
		GCInterval:     1 * time.Second,
		MaxEntries:     200000,
		GracePeriod:    50 * time.Millisecond,
	}
}

// ctTimeoutFloor is the minimum timeout Add stamps onto the underlying
// connection tracker so it will not be reaped by the conntrack subsystem
// while the flow is offloaded.
const ctTimeoutFloor = 12 * time.Hour

// bucket is one shard of the table's hash index: a singly linked chain of
// nodes guarded by its own mutex for writers; readers walk the chain
// lock-free via atomic.Pointer loads (single-writer, many-reader,
// RCU-style).
type bucket struct {
	mu   sync.Mutex
	head atomic.Pointer[node]
}

// Table is the concurrent hash-indexed set of cached flows. Bucket count
// is fixed at construction; this implementation
// trades dynamic resizing for a simpler, still lock-free read path,
// documented as an explicit scope decision in DESIGN.md.
type Table struct {
	cfg    Config
	flags  TableFlags
	logger *logging.Logger
	metrics *Metrics

	buckets []bucket
	mask    uint64

	entries atomic.Int64

	hw *hwBinding

	gcStop   chan struct{}
	gcDone   chan struct{}
	gcTicker *time.Timer
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// InitTable creates and registers a Table, starting its garbage collector.
// If flags includes TableHW, a module reference
// on the registered hardware backend is acquired; absent a backend this
// fails with NotSupported.
func InitTable(flags TableFlags, cfg *Config, logger *logging.Logger) (*Table, error) {
	resolved := DefaultConfigValues()
	if cfg != nil {
		if cfg.Buckets > 0 {
			resolved.Buckets = cfg.Buckets
		}
		if cfg.DefaultTimeout > 0 {
			resolved.DefaultTimeout = cfg.DefaultTimeout
		}
		if cfg.GCInterval > 0 {
			resolved.GCInterval = cfg.GCInterval
		}
		if cfg.MaxEntries > 0 {
			resolved.MaxEntries = cfg.MaxEntries
		}
		if cfg.GracePeriod > 0 {
			resolved.GracePeriod = cfg.GracePeriod
		}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	n := nextPow2(resolved.Buckets)
	t := &Table{
		cfg:     resolved,
		flags:   flags,
		logger:  logger,
		metrics: NewMetrics(),
		buckets: make([]bucket, n),
		mask:    uint64(n - 1),
		gcStop:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}

	if flags&TableHW != 0 {
		binding, err := bindHardwareBackend()
		if err != nil {
			return nil, err
		}
		t.hw = binding
	}

	registerTable(t)
	t.startGC()

	logger.Info("flow table initialized", "buckets", n, "default_timeout", resolved.DefaultTimeout, "gc_interval", resolved.GCInterval)
	return t, nil
}

func (t *Table) bucketFor(key Tuple) *bucket {
	return &t.buckets[key.Hash()&t.mask]
}

// Add inserts both directions of entry into the index. It also raises the
// underlying connection tracker's timeout to the offload floor and stamps
// the entry's own deadline.
func (t *Table) Add(ctx context.Context, entry *Entry) error {
	if entry.ct != nil {
		if err := entry.ct.SetTimeout(ctTimeoutFloor); err != nil {
			t.logger.Warn("failed to raise conntrack timeout on add", "error", err)
		}
	}
	entry.Touch(t.cfg.DefaultTimeout)

	for dir := DirOriginal; dir <= DirReply; dir++ {
		node := &entry.tuplehash[dir]
		b := t.bucketFor(node.tuple)
		b.mu.Lock()
		node.next.Store(b.head.Load())
		b.head.Store(node)
		b.mu.Unlock()
	}
	t.entries.Add(2)
	t.metrics.EntriesAdded.Inc()
	t.metrics.CurrentEntries.Set(float64(t.entries.Load()))

	if entry.HasFlag(FlagHW) || t.flags&TableHW != 0 {
		if t.hw != nil {
			if err := t.hw.add(entry); err == nil {
				entry.SetFlag(FlagHW)
				if entry.ct != nil {
					entry.ct.MarkOffloaded()
				}
			}
		}
	}

	return nil
}

// Lookup finds the entry matching key. An entry with DYING or TEARDOWN
// set is invisible, even though its node is still linked until the next
// GC pass removes it.
func (t *Table) Lookup(key Tuple) (*Entry, bool) {
	b := t.bucketFor(key)
	for n := b.head.Load(); n != nil; n = n.next.Load() {
		if n.tuple.Equal(key) {
			e := n.entry
			if e.IsDyingOrTeardown() {
				return nil, false
			}
			return e, true
		}
	}
	return nil, false
}

// Remove notifies the hardware sink if offloaded, unlinks both
// directions, clears the offload bit, restores L4 state unless TEARDOWN
// is set, releases owned resources, and schedules the memory for
// deferred free after a reader grace period.
func (t *Table) Remove(entry *Entry) {
	if entry.HasFlag(FlagHW) && t.hw != nil {
		if err := t.hw.del(entry); err != nil {
			t.logger.Warn("hardware backend delete failed", "error", err)
		}
	}

	for dir := DirOriginal; dir <= DirReply; dir++ {
		t.unlink(&entry.tuplehash[dir])
	}
	t.entries.Add(-2)
	t.metrics.EntriesRemoved.Inc()
	t.metrics.CurrentEntries.Set(float64(t.entries.Load()))

	if entry.ct != nil {
		entry.ct.ClearOffloaded()
	}

	teardown := entry.HasFlag(FlagTeardown)
	dying := entry.HasFlag(FlagDying)

	if !teardown {
		if err := entry.ct.RestoreEstablished(entry.l4proto); err != nil {
			t.logger.Warn("failed to restore conntrack L4 state", "error", err)
		}
	}

	scheduleReclaim(t.cfg.GracePeriod, func() {
		if dying {
			if err := entry.ct.Delete(); err != nil {
				t.logger.Warn("failed to delete dying conntrack entry", "error", err)
			}
		}
		entry.tuplehash[DirOriginal].tuple.Route.Release()
		entry.tuplehash[DirReply].tuple.Route.Release()
		entry.ct.Release()
	})
}

func (t *Table) unlink(target *node) {
	b := t.bucketFor(target.tuple)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head.Load() == target {
		b.head.Store(target.next.Load())
		return
	}
	for n := b.head.Load(); n != nil; n = n.next.Load() {
		if next := n.next.Load(); next == target {
			n.next.Store(target.next.Load())
			return
		}
	}
}

// Walk iterates over every live entry exactly once, visiting only the
// ORIGINAL direction's node to avoid double-visiting a flow. visitor
// returning false stops the walk early. Because this table never
// rehashes, there is no resize-retry path to honor; a
// concurrent Remove of the node currently being visited is safe since the
// bucket chain is only ever mutated under its own lock and this walk
// takes a lock-free snapshot per bucket.
func (t *Table) Walk(visitor func(*Entry) bool) {
	for i := range t.buckets {
		b := &t.buckets[i]
		for n := b.head.Load(); n != nil; n = n.next.Load() {
			if n.tuple.Dir != DirOriginal {
				continue
			}
			if !visitor(n.entry) {
				return
			}
		}
	}
}

// Len returns the number of live directional nodes (two per entry).
func (t *Table) Len() int64 {
	return t.entries.Load()
}

// Teardown marks the entry TEARDOWN and pre-emptively runs the L4 fix-up
// so the connection is consistent even before the GC pass that actually
// unlinks it.
func Teardown(entry *Entry) {
	entry.SetFlag(FlagTeardown)
	_ = entry.ct.RestoreEstablished(entry.l4proto)
}

// Account increments the per-direction packet/byte counters on the
// entry's connection tracker.
func Account(entry *Entry, dir Direction, length uint64) {
	entry.ct.AddCounters(dir, length)
}

// Free tears down the table: cancels the GC task synchronously, walks
// once marking TEARDOWN on every entry, runs one final GC pass, and
// releases the hardware backend module reference. It asserts the final
// pass made progress if the table was non-empty.
func (t *Table) Free() {
	t.stopGC()

	hadEntries := t.Len() > 0

	t.Walk(func(e *Entry) bool {
		e.SetFlag(FlagTeardown)
		return true
	})

	removed := t.gcPass()
	if hadEntries && removed == 0 {
		panic("flow: table free: final GC pass made no progress")
	}

	unregisterTable(t)

	if t.hw != nil {
		t.hw.release()
	}
}

func (t *Table) startGC() {
	t.gcTicker = time.NewTimer(t.cfg.GCInterval)
	go func() {
		defer close(t.gcDone)
		for {
			select {
			case <-t.gcTicker.C:
				t.gcPass()
				t.gcTicker.Reset(t.cfg.GCInterval)
			case <-t.gcStop:
				return
			}
		}
	}()
}

func (t *Table) stopGC() {
	close(t.gcStop)
	t.gcTicker.Stop()
	<-t.gcDone
}
