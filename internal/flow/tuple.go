// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow implements the connection-tracking flow offload table: a
// concurrent hash-indexed cache of established L3/L4 connections that lets
// the data plane forward later packets on the same flow without the full
// stateful firewall path.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// L3Proto identifies the network-layer protocol of a Tuple.
type L3Proto uint8

const (
	L3IPv4 L3Proto = 4
	L3IPv6 L3Proto = 6
)

func (p L3Proto) String() string {
	if p == L3IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// L4Proto identifies the transport-layer protocol of a Tuple. Only TCP and
// UDP are supported; anything else is rejected at construction.
type L4Proto uint8

const (
	L4TCP L4Proto = 6
	L4UDP L4Proto = 17
)

func (p L4Proto) String() string {
	switch p {
	case L4TCP:
		return "tcp"
	case L4UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Direction identifies one side of a bidirectional flow.
type Direction uint8

const (
	DirOriginal Direction = iota
	DirReply
)

func (d Direction) String() string {
	if d == DirReply {
		return "reply"
	}
	return "original"
}

// Other returns the mirror direction.
func (d Direction) Other() Direction {
	if d == DirOriginal {
		return DirReply
	}
	return DirOriginal
}

// Tuple is the directional flow key plus the per-direction forwarding data
// that rides alongside it. The hash and equality of a Tuple are computed
// over a prefix that ends before Dir: L3Proto, L4Proto,
// SrcAddr, DstAddr, SrcPort, DstPort and IIfIndex participate in the key.
// OIfIndex, MTU, Route and Dir do not.
type Tuple struct {
	L3Proto L3Proto
	L4Proto L4Proto
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	IIfIndex int

	// Not part of the key.
	OIfIndex int
	MTU      int
	Route    *RouteHandle
	Dir      Direction
}

// NewTuple validates l4proto and constructs a Tuple with the key fields
// set. Route, MTU, OIfIndex and Dir are filled in separately by alloc.
func NewTuple(l3 L3Proto, l4 L4Proto, src, dst netip.Addr, srcPort, dstPort uint16, iifIndex int) (Tuple, error) {
	if l4 != L4TCP && l4 != L4UDP {
		return Tuple{}, fmt.Errorf("flow: unsupported l4 protocol %d", l4)
	}
	return Tuple{
		L3Proto:  l3,
		L4Proto:  l4,
		SrcAddr:  src,
		DstAddr:  dst,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		IIfIndex: iifIndex,
	}, nil
}

// keyBytes returns the canonical dir-excluded byte prefix used for both
// hashing and equality.
func (t Tuple) keyBytes() []byte {
	buf := make([]byte, 0, 2+32+32+2+2+4)
	buf = append(buf, byte(t.L3Proto), byte(t.L4Proto))

	src16 := t.SrcAddr.As16()
	dst16 := t.DstAddr.As16()
	buf = append(buf, src16[:]...)
	buf = append(buf, dst16[:]...)

	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], t.SrcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], t.DstPort)
	buf = append(buf, portBuf[:]...)

	var iifBuf [4]byte
	binary.BigEndian.PutUint32(iifBuf[:], uint32(t.IIfIndex))
	buf = append(buf, iifBuf[:]...)

	return buf
}

// Hash returns a stable, non-cryptographic hash of the key prefix.
func (t Tuple) Hash() uint64 {
	return xxhash.Sum64(t.keyBytes())
}

// Equal reports whether a and b share the same key prefix, ignoring
// Dir/Route/MTU/OIfIndex.
func (t Tuple) Equal(o Tuple) bool {
	return t.L3Proto == o.L3Proto &&
		t.L4Proto == o.L4Proto &&
		t.SrcAddr == o.SrcAddr &&
		t.DstAddr == o.DstAddr &&
		t.SrcPort == o.SrcPort &&
		t.DstPort == o.DstPort &&
		t.IIfIndex == o.IIfIndex
}

// Invert returns the tuple seen from the opposite direction: source and
// destination swap, IIfIndex becomes the mirror's ingress interface.
func (t Tuple) Invert(replyIIfIndex int) Tuple {
	return Tuple{
		L3Proto:  t.L3Proto,
		L4Proto:  t.L4Proto,
		SrcAddr:  t.DstAddr,
		DstAddr:  t.SrcAddr,
		SrcPort:  t.DstPort,
		DstPort:  t.SrcPort,
		IIfIndex: replyIIfIndex,
	}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s iif=%d", t.SrcAddr, t.SrcPort, t.DstAddr, t.DstPort, t.L4Proto, t.IIfIndex)
}
