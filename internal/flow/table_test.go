// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

func addTestFlow(t *testing.T, tbl *Table, srcPort, dstPort uint16, iif int) *Entry {
	t.Helper()
	orig, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), srcPort, dstPort, iif)
	require.NoError(t, err)
	reply := orig.Invert(iif + 100)

	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{OIfIndex: iif + 100}, &RouteHandle{OIfIndex: iif})
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), e))
	return e
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	t.Cleanup(tbl.Free)
	return tbl
}

func TestTable_AddAndLookupBothDirections(t *testing.T) {
	tbl := newTestTable(t)
	e := addTestFlow(t, tbl, 1234, 80, 1)

	found, ok := tbl.Lookup(e.Tuple(DirOriginal))
	require.True(t, ok)
	assert.Same(t, e, found)

	found, ok = tbl.Lookup(e.Tuple(DirReply))
	require.True(t, ok)
	assert.Same(t, e, found)
}

func TestTable_LookupMissReturnsFalse(t *testing.T) {
	tbl := newTestTable(t)
	addTestFlow(t, tbl, 1234, 80, 1)

	miss, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 9999, 80, 1)
	require.NoError(t, err)

	_, ok := tbl.Lookup(miss)
	assert.False(t, ok)
}

func TestTable_LookupHidesDyingEntry(t *testing.T) {
	tbl := newTestTable(t)
	e := addTestFlow(t, tbl, 1234, 80, 1)
	e.SetFlag(FlagDying)

	_, ok := tbl.Lookup(e.Tuple(DirOriginal))
	assert.False(t, ok)
}

func TestTable_RemoveUnlinksBothDirections(t *testing.T) {
	tbl := newTestTable(t)
	e := addTestFlow(t, tbl, 1234, 80, 1)
	assert.EqualValues(t, 2, tbl.Len())

	tbl.Remove(e)
	assert.EqualValues(t, 0, tbl.Len())

	_, ok := tbl.Lookup(e.Tuple(DirOriginal))
	assert.False(t, ok)
}

func TestTable_WalkVisitsEachFlowOnce(t *testing.T) {
	tbl := newTestTable(t)
	addTestFlow(t, tbl, 1111, 80, 1)
	addTestFlow(t, tbl, 2222, 80, 1)
	addTestFlow(t, tbl, 3333, 80, 1)

	count := 0
	tbl.Walk(func(e *Entry) bool {
		count++
		return true
	})
	assert.Equal(t, 3, count)
}

func TestTable_WalkCanStopEarly(t *testing.T) {
	tbl := newTestTable(t)
	addTestFlow(t, tbl, 1111, 80, 1)
	addTestFlow(t, tbl, 2222, 80, 1)

	count := 0
	tbl.Walk(func(e *Entry) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestTable_GCReapsExpiredEntries(t *testing.T) {
	tbl := newTestTable(t)
	e := addTestFlow(t, tbl, 1234, 80, 1)
	e.Touch(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	removed := tbl.gcPass()
	assert.Equal(t, 1, removed)
	assert.EqualValues(t, 0, tbl.Len())
}

func TestTable_GCKeepsFlaggedEntries(t *testing.T) {
	tbl := newTestTable(t)
	e := addTestFlow(t, tbl, 1234, 80, 1)
	e.SetFlag(FlagKeep)
	e.Touch(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	removed := tbl.gcPass()
	assert.Equal(t, 0, removed)
	assert.EqualValues(t, 2, tbl.Len())
}

func TestTable_FreeDrainsAllEntries(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	addTestFlow(t, tbl, 1234, 80, 1)
	addTestFlow(t, tbl, 5678, 80, 1)

	assert.NotPanics(t, tbl.Free)
}
