// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGC_DyingEntryDeletesConntrackAfterGrace(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: 5 * time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	e := addTestFlow(t, tbl, 1234, 80, 1)
	e.SetFlag(FlagDying)
	removed := tbl.gcPass()
	assert.Equal(t, 1, removed)

	time.Sleep(20 * time.Millisecond)
}

func TestGC_NormalExpiryRestoresEstablishedNotDeleted(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	fake := &fakeCTBackend{}
	orig, reply := testTuples(t)
	ct := NewConnTrack(fake, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), e))

	e.Touch(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	removed := tbl.gcPass()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, fake.established)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fake.deleted)
}

func TestGC_RefreshesConntrackTimeoutWhenRunningLow(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	fake := &fakeCTBackend{}
	orig, reply := testTuples(t)
	ct := NewConnTrack(fake, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), e)) // Add stamps the ctTimeoutFloor, right at the refresh floor
	e.Touch(time.Hour)                                    // keep the entry itself from expiring during the pass

	removed := tbl.gcPass()
	assert.Equal(t, 0, removed)
	assert.Equal(t, ctTimeoutRefreshTo, fake.timeout)
	assert.Greater(t, ct.RemainingTimeout(), ctTimeoutRefreshFloor)
}

func TestGC_DoesNotRefreshConntrackTimeoutWhenFarFromExpiry(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	fake := &fakeCTBackend{}
	orig, reply := testTuples(t)
	ct := NewConnTrack(fake, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), e))
	// Simulate a connection that already had its conntrack timeout pushed
	// out recently, well past the refresh floor.
	require.NoError(t, ct.SetTimeout(ctTimeoutRefreshTo))
	e.Touch(time.Hour)

	removed := tbl.gcPass()
	assert.Equal(t, 0, removed)
	assert.Equal(t, ctTimeoutRefreshTo, fake.timeout) // untouched by gcPass
}

func TestGC_TeardownSkipsRestore(t *testing.T) {
	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour, GracePeriod: time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	fake := &fakeCTBackend{}
	orig, reply := testTuples(t)
	ct := NewConnTrack(fake, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), e))

	Teardown(e)
	fake.established = 0 // Teardown's own fix-up call already bumped this; reset to isolate Remove's behavior
	removed := tbl.gcPass()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, fake.established)
}
