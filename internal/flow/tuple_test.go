// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTuple(t *testing.T, srcPort, dstPort uint16, iif int) Tuple {
	t.Helper()
	tup, err := NewTuple(L3IPv4, L4TCP,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"),
		srcPort, dstPort, iif)
	require.NoError(t, err)
	return tup
}

func TestNewTuple_RejectsUnsupportedL4(t *testing.T) {
	_, err := NewTuple(L3IPv4, L4Proto(1) /* ICMP */, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 0, 0, 1)
	assert.Error(t, err)
}

func TestTuple_EqualIgnoresNonKeyFields(t *testing.T) {
	a := mustTuple(t, 1234, 80, 2)
	b := a
	b.Dir = DirReply
	b.OIfIndex = 99
	b.MTU = 1500
	b.Route = &RouteHandle{}

	assert.True(t, a.Equal(b))
}

func TestTuple_EqualDetectsKeyDifference(t *testing.T) {
	a := mustTuple(t, 1234, 80, 2)
	b := mustTuple(t, 1235, 80, 2)
	assert.False(t, a.Equal(b))
}

func TestTuple_HashStableAndDirIndependent(t *testing.T) {
	a := mustTuple(t, 1234, 80, 2)
	b := a
	b.Dir = DirReply

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), a.Hash())
}

func TestTuple_Invert(t *testing.T) {
	a := mustTuple(t, 1234, 80, 2)
	inv := a.Invert(7)

	assert.Equal(t, a.DstAddr, inv.SrcAddr)
	assert.Equal(t, a.SrcAddr, inv.DstAddr)
	assert.Equal(t, a.DstPort, inv.SrcPort)
	assert.Equal(t, a.SrcPort, inv.DstPort)
	assert.Equal(t, 7, inv.IIfIndex)
}
