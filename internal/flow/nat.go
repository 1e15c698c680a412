// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	flowerrors "grimm.is/flywall/internal/errors"
)

// TCP/UDP header field offsets relative to thoff, matching the wire
// layout (RFC 793 / RFC 768):
//
//	TCP: source port @0, dest port @2, ..., checksum @16
//	UDP: source port @0, dest port @2, length @4, checksum @6
const (
	l4SrcPortOffset = 0
	l4DstPortOffset = 2

	tcpChecksumOffset = 16
	tcpHeaderMinLen    = 20

	udpChecksumOffset = 6
	udpHeaderMinLen    = 8
)

// udpMangledZeroChecksum is substituted whenever an incremental UDP
// checksum update would otherwise come out as the wire value for "no
// checksum" (0x0000); UDP/IPv4 cannot carry that value once a checksum is
// present, so 0xFFFF ("negative zero" in ones-complement) is used instead.
const udpMangledZeroChecksum = 0xFFFF

// ErrDrop is returned by SNATPort/DNATPort when the packet buffer cannot
// be made contiguous/writable at the required offset. The caller's
// forwarding path must drop the packet.
var ErrDrop = flowerrors.New(flowerrors.KindPacketUnusable, "flow: packet buffer not writable at nat offset")

// SNATPort, for an ORIGINAL-direction packet, rewrites the source port to
// the REPLY tuple's destination port; for a REPLY-direction packet it
// rewrites the destination port to the ORIGINAL tuple's source port. A nil
// error with no mutation performed means the protocol is unsupported for
// NAT and forwarding should proceed unrewritten.
func SNATPort(e *Entry, pb PacketBuffer, thoff int, proto L4Proto, dir Direction, partialChecksum bool) error {
	var newPort uint16
	offset := l4SrcPortOffset
	if dir == DirOriginal {
		newPort = e.Tuple(DirReply).DstPort
	} else {
		newPort = e.Tuple(DirOriginal).SrcPort
		offset = l4DstPortOffset
	}
	return rewritePort(pb, thoff, proto, offset, newPort, partialChecksum)
}

// DNATPort, symmetric to SNATPort: for an ORIGINAL-direction packet it
// rewrites the destination port to the REPLY tuple's source port; for a
// REPLY-direction packet it rewrites the source port to the ORIGINAL
// tuple's destination port.
func DNATPort(e *Entry, pb PacketBuffer, thoff int, proto L4Proto, dir Direction, partialChecksum bool) error {
	var newPort uint16
	offset := l4DstPortOffset
	if dir == DirOriginal {
		newPort = e.Tuple(DirReply).SrcPort
	} else {
		newPort = e.Tuple(DirOriginal).DstPort
		offset = l4SrcPortOffset
	}
	return rewritePort(pb, thoff, proto, offset, newPort, partialChecksum)
}

// rewritePort implements the procedure common to snat/dnat: ensure
// contiguity, swap the port, then run the protocol-specific checksum
// fix-up.
func rewritePort(pb PacketBuffer, thoff int, proto L4Proto, portOffset int, newPort uint16, partialChecksum bool) error {
	switch proto {
	case L4TCP:
		if !pb.EnsureWritable(thoff, tcpHeaderMinLen) {
			return ErrDrop
		}
	case L4UDP:
		if !pb.EnsureWritable(thoff, udpHeaderMinLen) {
			return ErrDrop
		}
	default:
		// UnsupportedL4: success no-op, forwarding proceeds unrewritten.
		return nil
	}

	oldPort := pb.Uint16(thoff + portOffset)
	if oldPort == newPort {
		return nil
	}
	pb.PutUint16(thoff+portOffset, newPort)

	switch proto {
	case L4TCP:
		return fixupTCPChecksum(pb, thoff, oldPort, newPort)
	case L4UDP:
		return fixupUDPChecksum(pb, thoff, oldPort, newPort, partialChecksum)
	}
	return nil
}

// fixupTCPChecksum performs the incremental RFC 1624 checksum update; a
// TCP checksum is mandatory, so the header must be writable.
func fixupTCPChecksum(pb PacketBuffer, thoff int, oldPort, newPort uint16) error {
	if !pb.EnsureWritable(thoff, tcpHeaderMinLen) {
		return ErrDrop
	}
	old := pb.Uint16(thoff + tcpChecksumOffset)
	pb.PutUint16(thoff+tcpChecksumOffset, checksumReplace16(old, oldPort, newPort))
	return nil
}

// fixupUDPChecksum performs the incremental checksum update only when a
// checksum is actually present (non-zero) or partial-checksum offload is
// in effect; otherwise UDP carries no checksum and none is added. A
// resulting zero checksum is mangled to 0xFFFF since UDP/IPv4 cannot
// represent "checksum present, value zero".
func fixupUDPChecksum(pb PacketBuffer, thoff int, oldPort, newPort uint16, partialChecksum bool) error {
	if !pb.EnsureWritable(thoff, udpHeaderMinLen) {
		return ErrDrop
	}
	old := pb.Uint16(thoff + udpChecksumOffset)
	if old == 0 && !partialChecksum {
		return nil
	}
	newCsum := checksumReplace16(old, oldPort, newPort)
	if newCsum == 0 {
		newCsum = udpMangledZeroChecksum
	}
	pb.PutUint16(thoff+udpChecksumOffset, newCsum)
	return nil
}

// checksumReplace16 applies the standard RFC 1624 incremental ones-
// complement checksum update, converting a checksum computed over
// "...old..." into one over "...new..." without recomputing the whole
// packet.
func checksumReplace16(oldCsum, oldVal, newVal uint16) uint16 {
	sum := uint32(^oldCsum&0xffff) + uint32(^oldVal&0xffff) + uint32(newVal)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
