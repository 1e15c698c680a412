// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package flow

import (
	"fmt"
	"time"

	"github.com/ti-mo/conntrack"
)

// nfConnBackend implements ConnTrackBackend against a real kernel
// conntrack entry over netlink, via github.com/ti-mo/conntrack. It is the
// concrete form of the "connection tracker" external collaborator.
type nfConnBackend struct {
	conn *conntrack.Conn
	flow conntrack.Flow
}

// NewNetlinkConnTrack discovers, on a connection tracker reached via
// netlink, the kernel conntrack entry matching the original-direction
// tuple, and wraps it in a ConnTrack handle.
func NewNetlinkConnTrack(conn *conntrack.Conn, orig conntrack.Tuple, l4proto L4Proto) (*ConnTrack, error) {
	f, err := conn.Get(conntrack.Flow{TupleOrig: orig})
	if err != nil {
		return nil, fmt.Errorf("flow: conntrack lookup: %w", err)
	}

	backend := &nfConnBackend{conn: conn, flow: f}
	return NewConnTrack(backend, l4proto, f.Status.SNAT(), f.Status.DNAT()), nil
}

func (b *nfConnBackend) SetTimeout(d time.Duration) error {
	b.flow.Timeout = uint32(d.Seconds())
	return b.conn.Update(b.flow)
}

func (b *nfConnBackend) SetTCPEstablished() error {
	if b.flow.ProtoInfo.TCP == nil {
		b.flow.ProtoInfo.TCP = &conntrack.ProtoInfoTCP{}
	}
	b.flow.ProtoInfo.TCP.State = tcpCtStateEstablished
	return b.conn.Update(b.flow)
}

func (b *nfConnBackend) Delete() error {
	return b.conn.Delete(b.flow)
}

// DialConnTrack opens a netlink connection to the kernel's connection
// tracker. Callers keep the returned *conntrack.Conn for the lifetime of
// the process and pass it to NewNetlinkConnTrack per flow.
func DialConnTrack() (*conntrack.Conn, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("flow: dial conntrack: %w", err)
	}
	return conn, nil
}
