// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync/atomic"
	"time"
)

// Netfilter's TCP conntrack state machine (net/netfilter/nf_conntrack_tcp.h).
// Only the states this package touches are named.
const (
	tcpCtStateEstablished uint8 = 3
)

// Default timeouts applied by removal fix-up when an entry leaves the
// table with TEARDOWN clear, so the slow path can keep tracking the
// connection.
const (
	tcpEstablishedTimeout = 5 * 24 * time.Hour
	udpRepliedTimeout     = 180 * time.Second
)

// ConnTrack is a refcounted handle onto one tracked connection. It wraps
// the entry a real connection tracker hands back (see conntrack_linux.go,
// backed by github.com/ti-mo/conntrack) with the reference counting,
// dying/NAT/L4-state bookkeeping a tracked connection needs.
//
// td_maxwin (the kernel's per-endpoint TCP window-tracking state) is
// internal nf_conn bookkeeping never exposed over the netlink conntrack
// protocol, so it cannot be read back from a real connection tracker from
// user space. This handle keeps its own shadow copy so RestoreEstablished
// can honor the "clear td_maxwin" requirement in a way tests can observe.
type ConnTrack struct {
	backend ConnTrackBackend

	refs  atomic.Int32
	dying atomic.Bool

	snat atomic.Bool
	dnat atomic.Bool

	tcpState      atomic.Uint32 // only meaningful when L4Proto == L4TCP
	maxWinOrig    atomic.Uint32
	maxWinReply   atomic.Uint32

	packets [2]atomic.Uint64
	bytes   [2]atomic.Uint64

	// ctDeadline shadows the absolute time the last SetTimeout call is due
	// to expire, since the netlink conntrack protocol has no "how much
	// time is left" query; a GC pass reads it back through
	// RemainingTimeout to decide whether the kernel entry needs refreshing.
	ctDeadline atomic.Int64 // UnixNano

	// offloaded mirrors the kernel's IPS_OFFLOAD_BIT: set once a table
	// mirrors this connection to a hardware backend, cleared on removal.
	offloaded atomic.Bool
}

// ConnTrackBackend is the narrow external-collaborator contract this
// package needs from a real connection tracker: enough to refresh a
// timeout, restore established L4 state, and delete the entry outright.
// conntrack_linux.go implements it over github.com/ti-mo/conntrack;
// conntrack_other.go stubs it out on non-Linux builds.
type ConnTrackBackend interface {
	// SetTimeout pushes a new absolute timeout (relative seconds from now,
	// per the netlink conntrack wire format) to the kernel conntrack entry.
	SetTimeout(d time.Duration) error
	// SetTCPEstablished transitions the kernel conntrack entry's TCP state
	// to ESTABLISHED.
	SetTCPEstablished() error
	// Delete removes the kernel conntrack entry outright.
	Delete() error
}

// NewConnTrack wraps backend in a zero-refcount handle. l4proto determines
// whether TCP state fix-up applies. snat/dnat mirror the NAT status bits
// observed on the underlying connection at discovery time observed at discovery time.
func NewConnTrack(backend ConnTrackBackend, l4proto L4Proto, snat, dnat bool) *ConnTrack {
	ct := &ConnTrack{backend: backend}
	ct.snat.Store(snat)
	ct.dnat.Store(dnat)
	if l4proto == L4TCP {
		ct.tcpState.Store(uint32(tcpCtStateEstablished))
	}
	return ct
}

// Acquire performs a saturating-from-zero increment: it fails if the
// connection is already dying, to avoid resurrecting a connection that is already being torn down.
func (ct *ConnTrack) Acquire() bool {
	if ct.dying.Load() {
		return false
	}
	ct.refs.Add(1)
	if ct.dying.Load() {
		// Lost a race with MarkDying; unwind and fail.
		ct.refs.Add(-1)
		return false
	}
	return true
}

// Release drops one reference.
func (ct *ConnTrack) Release() {
	ct.refs.Add(-1)
}

// IsDying reports whether the connection has been marked for teardown.
func (ct *ConnTrack) IsDying() bool {
	return ct.dying.Load()
}

// MarkDying marks the connection as dying; subsequent Acquire calls fail.
func (ct *ConnTrack) MarkDying() {
	ct.dying.Store(true)
}

// IsSNAT/IsDNAT report the NAT status observed at construction; the
// flags are immutable after construction.
func (ct *ConnTrack) IsSNAT() bool { return ct.snat.Load() }
func (ct *ConnTrack) IsDNAT() bool { return ct.dnat.Load() }

// SetTimeout refreshes both the shadow deadline and, if the backend is
// reachable, the real kernel conntrack timeout.
func (ct *ConnTrack) SetTimeout(d time.Duration) error {
	ct.ctDeadline.Store(time.Now().Add(d).UnixNano())
	if ct.backend == nil {
		return nil
	}
	return ct.backend.SetTimeout(d)
}

// RemainingTimeout returns how much time is left before the shadowed
// kernel conntrack deadline, based on the last SetTimeout call. It is
// zero before SetTimeout has ever been called.
func (ct *ConnTrack) RemainingTimeout() time.Duration {
	deadline := ct.ctDeadline.Load()
	if deadline == 0 {
		return 0
	}
	return time.Until(time.Unix(0, deadline))
}

// MarkOffloaded sets the shadow "is offloaded" bit, mirroring the kernel's
// IPS_OFFLOAD_BIT, when a table mirrors this connection to a hardware
// backend.
func (ct *ConnTrack) MarkOffloaded() {
	ct.offloaded.Store(true)
}

// ClearOffloaded clears the shadow "is offloaded" bit, called from
// Table.Remove regardless of whether the entry was actually mirrored.
func (ct *ConnTrack) ClearOffloaded() {
	ct.offloaded.Store(false)
}

// IsOffloaded reports whether the shadow "is offloaded" bit is set.
func (ct *ConnTrack) IsOffloaded() bool {
	return ct.offloaded.Load()
}

// Delete removes the kernel conntrack entry, used when DYING triggers
// removal.
func (ct *ConnTrack) Delete() error {
	if ct.backend == nil {
		return nil
	}
	return ct.backend.Delete()
}

// RestoreEstablished performs the L4 state fix-up applied when an entry
// leaves the table without TEARDOWN set: for TCP, sets state to
// ESTABLISHED and clears per-endpoint window tracking; selects
// the appropriate slow-path timeout (ESTABLISHED for TCP, REPLIED for
// UDP) and pushes it to the backend.
func (ct *ConnTrack) RestoreEstablished(l4proto L4Proto) error {
	var timeout time.Duration
	switch l4proto {
	case L4TCP:
		ct.tcpState.Store(uint32(tcpCtStateEstablished))
		ct.maxWinOrig.Store(0)
		ct.maxWinReply.Store(0)
		timeout = tcpEstablishedTimeout
		if ct.backend != nil {
			if err := ct.backend.SetTCPEstablished(); err != nil {
				return err
			}
		}
	case L4UDP:
		timeout = udpRepliedTimeout
	default:
		return nil
	}
	return ct.SetTimeout(timeout)
}

// TCPState returns the shadowed TCP conntrack state (only meaningful for
// TCP flows).
func (ct *ConnTrack) TCPState() uint8 {
	return uint8(ct.tcpState.Load())
}

// MaxWindows returns the shadowed per-endpoint window-tracking values;
// both are zero after RestoreEstablished.
func (ct *ConnTrack) MaxWindows() (orig, reply uint32) {
	return ct.maxWinOrig.Load(), ct.maxWinReply.Load()
}

// AddCounters atomically accumulates per-direction packet/byte counters.
func (ct *ConnTrack) AddCounters(dir Direction, length uint64) {
	ct.packets[dir].Add(1)
	ct.bytes[dir].Add(length)
}

// Counters returns the accumulated packet/byte counts for dir.
func (ct *ConnTrack) Counters(dir Direction) (packets, bytes uint64) {
	return ct.packets[dir].Load(), ct.bytes[dir].Load()
}
