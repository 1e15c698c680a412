// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry(t *testing.T, origSrcPort, origDstPort, replySrcPort, replyDstPort uint16) *Entry {
	t.Helper()
	orig, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("203.0.113.1"), origSrcPort, origDstPort, 1)
	require.NoError(t, err)
	reply, err := NewTuple(L3IPv4, L4TCP, netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"), replySrcPort, replyDstPort, 2)
	require.NoError(t, err)

	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, true, false)
	e, err := Alloc(ct, L4TCP, orig, reply, &RouteHandle{}, &RouteHandle{})
	require.NoError(t, err)
	return e
}

func tcpBuffer(srcPort, dstPort uint16) *BytesBuffer {
	data := make([]byte, tcpHeaderMinLen)
	binary.BigEndian.PutUint16(data[0:2], srcPort)
	binary.BigEndian.PutUint16(data[2:4], dstPort)
	binary.BigEndian.PutUint16(data[16:18], 0x1234)
	return &BytesBuffer{Data: data}
}

func TestSNATPort_RewritesOriginalDirection(t *testing.T) {
	// NAT masquerades 10.0.0.1:1234 as 198.51.100.1:50000 on the way out.
	e := newTestEntry(t, 1234, 80, 80, 50000)
	pb := tcpBuffer(1234, 80)

	require.NoError(t, SNATPort(e, pb, 0, L4TCP, DirOriginal, false))
	assert.Equal(t, uint16(50000), pb.Uint16(0))
	assert.NotEqual(t, uint16(0x1234), pb.Uint16(tcpChecksumOffset))
}

func TestSNATPort_RewritesReplyDirection(t *testing.T) {
	// Reply traffic to 198.51.100.1:50000 has its destination port restored to 1234.
	e := newTestEntry(t, 1234, 80, 80, 50000)
	pb := tcpBuffer(80, 50000)

	require.NoError(t, SNATPort(e, pb, 0, L4TCP, DirReply, false))
	assert.Equal(t, uint16(1234), pb.Uint16(2))
}

func TestRewritePort_NoopWhenPortUnchanged(t *testing.T) {
	e := newTestEntry(t, 1234, 80, 80, 1234)
	pb := tcpBuffer(1234, 80)
	before := pb.Uint16(tcpChecksumOffset)

	require.NoError(t, SNATPort(e, pb, 0, L4TCP, DirOriginal, false))
	assert.Equal(t, before, pb.Uint16(tcpChecksumOffset))
}

func TestRewritePort_DropsWhenNotWritable(t *testing.T) {
	e := newTestEntry(t, 1234, 80, 80, 50000)
	pb := &BytesBuffer{Data: make([]byte, 4)}

	err := SNATPort(e, pb, 0, L4TCP, DirOriginal, false)
	assert.ErrorIs(t, err, ErrDrop)
}

func TestRewritePort_UnsupportedL4IsNoop(t *testing.T) {
	e := newTestEntry(t, 1234, 80, 80, 50000)
	pb := tcpBuffer(1234, 80)

	err := SNATPort(e, pb, 0, L4Proto(1), DirOriginal, false)
	assert.NoError(t, err)
	assert.Equal(t, uint16(1234), pb.Uint16(0))
}

func TestFixupUDPChecksum_SkipsWhenAbsent(t *testing.T) {
	data := make([]byte, udpHeaderMinLen)
	binary.BigEndian.PutUint16(data[0:2], 1234)
	binary.BigEndian.PutUint16(data[2:4], 80)
	pb := &BytesBuffer{Data: data}

	require.NoError(t, fixupUDPChecksum(pb, 0, 1234, 5678, false))
	assert.Zero(t, pb.Uint16(udpChecksumOffset))
}

func TestFixupUDPChecksum_MangledZero(t *testing.T) {
	// Construct a checksum/port pair where the incremental update yields
	// exactly zero, verifying the 0xFFFF substitution.
	data := make([]byte, udpHeaderMinLen)
	binary.BigEndian.PutUint16(data[0:2], 0)
	binary.BigEndian.PutUint16(data[udpChecksumOffset:udpChecksumOffset+2], 0xFFFF)
	pb := &BytesBuffer{Data: data}

	require.NoError(t, fixupUDPChecksum(pb, 0, 0, 0xFFFF, false))
	assert.Equal(t, uint16(udpMangledZeroChecksum), pb.Uint16(udpChecksumOffset))
}

func TestChecksumReplace16_RoundTrips(t *testing.T) {
	orig := checksumReplace16(0x1234, 100, 200)
	back := checksumReplace16(orig, 200, 100)
	assert.Equal(t, uint16(0x1234), back)
}
