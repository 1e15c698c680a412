// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowKeyFromTuple_IPv4(t *testing.T) {
	tup, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("192.168.1.10"), netip.MustParseAddr("93.184.216.34"), 51000, 443, 2)
	require.NoError(t, err)

	key, err := flowKeyFromTuple(tup)
	require.NoError(t, err)
	assert.Equal(t, uint16(51000), key.SrcPort)
	assert.Equal(t, uint16(443), key.DstPort)
	assert.Equal(t, uint8(L4TCP), key.IPProto)
}

func TestFlowKeyFromTuple_RejectsIPv6(t *testing.T) {
	tup, err := NewTuple(L3IPv6, L4TCP, netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("2001:db8::2"), 1234, 443, 2)
	require.NoError(t, err)

	_, err = flowKeyFromTuple(tup)
	assert.Error(t, err)
}
