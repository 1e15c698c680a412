// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTuples(t *testing.T) (orig, reply Tuple) {
	t.Helper()
	orig, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1234, 80, 1)
	require.NoError(t, err)
	reply, err = NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), 80, 1234, 2)
	require.NoError(t, err)
	return orig, reply
}

func TestAlloc_Success(t *testing.T) {
	orig, reply := testTuples(t)
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, true, false)
	origRoute := &RouteHandle{OIfIndex: 2, MTU: 1500}
	replyRoute := &RouteHandle{OIfIndex: 1, MTU: 1500}

	e, err := Alloc(ct, L4TCP, orig, reply, origRoute, replyRoute)
	require.NoError(t, err)

	assert.True(t, e.HasFlag(FlagSNAT))
	assert.False(t, e.HasFlag(FlagDNAT))
	assert.EqualValues(t, 1, origRoute.RefCount())
	assert.EqualValues(t, 1, replyRoute.RefCount())
	assert.Equal(t, 2, e.Tuple(DirOriginal).OIfIndex)
	assert.Equal(t, DirOriginal, e.Tuple(DirOriginal).Dir)
	assert.Equal(t, DirReply, e.Tuple(DirReply).Dir)
}

func TestAlloc_FailsOnDyingConnection(t *testing.T) {
	orig, reply := testTuples(t)
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	ct.MarkDying()

	_, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	assert.Error(t, err)
}

func TestEntry_FlagsConcurrentSafe(t *testing.T) {
	orig, reply := testTuples(t)
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.SetFlag(FlagKeep)
		}()
	}
	wg.Wait()
	assert.True(t, e.HasFlag(FlagKeep))

	e.ClearFlag(FlagKeep)
	assert.False(t, e.HasFlag(FlagKeep))
}

func TestEntry_TouchAndExpired(t *testing.T) {
	orig, reply := testTuples(t)
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)

	e.Touch(10 * time.Millisecond)
	assert.False(t, e.Expired(time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, e.Expired(time.Now()))
}

func TestEntry_IsDyingOrTeardown(t *testing.T) {
	orig, reply := testTuples(t)
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)

	assert.False(t, e.IsDyingOrTeardown())
	e.SetFlag(FlagDying)
	assert.True(t, e.IsDyingOrTeardown())
}
