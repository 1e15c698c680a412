// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/ti-mo/conntrack"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/flow"
	"grimm.is/flywall/internal/logging"
)

// FlowFastPath is the forwarding-path hook the flow offload table was
// built for: an NFQUEUE listener that consults the table before a queued
// packet takes the full ruleset path, plus a conntrack event feed that
// keeps the table populated from the kernel's own connection tracking.
//
// A queue rule (e.g. "ip nat prerouting ... queue num <n>") has to be
// generated into the ruleset itself for packets to ever reach this;
// script_builder_nat.go's NAT chain is the natural home for that rule but
// wiring the rule generation is left to the ruleset builders, which this
// package does not change as part of this pass.
type FlowFastPath struct {
	table  *flow.Table
	logger *logging.Logger

	nf     *nfqueue.Nfqueue
	ctConn *conntrack.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// syncFlowFastPath starts or stops the fast path to match cfg. It is
// idempotent: calling it repeatedly with the same effective settings is a
// no-op.
func (m *Manager) syncFlowFastPath(cfg *Config) error {
	want := cfg != nil && cfg.EnableFlowOffload && cfg.FlowTable != nil && cfg.FlowTable.NFQueueNum != 0

	m.fastPathMu.Lock()
	defer m.fastPathMu.Unlock()

	if !want {
		if m.fastPath != nil {
			m.fastPath.Close()
			m.fastPath = nil
		}
		return nil
	}

	if m.fastPath != nil {
		return nil // already running; FlowTableConfig is consulted once at init (see flow.Table's own doc)
	}

	fp, err := newFlowFastPath(m.logger, cfg.FlowTable)
	if err != nil {
		return fmt.Errorf("firewall: start flow fast path: %w", err)
	}
	m.fastPath = fp
	return nil
}

func newFlowFastPath(logger *logging.Logger, cfg *config.FlowTableConfig) (*FlowFastPath, error) {
	tblCfg := flow.ConfigFromGlobal(cfg)
	table, err := flow.InitTable(flow.TableFlagsFromGlobal(cfg), &tblCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init flow table: %w", err)
	}

	ctConn, err := flow.DialConnTrack()
	if err != nil {
		table.Free()
		return nil, fmt.Errorf("dial conntrack: %w", err)
	}

	fp := &FlowFastPath{table: table, logger: logger, ctConn: ctConn}

	nfCfg := nfqueue.Config{
		NfQueue:      cfg.NFQueueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  1024,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	nf, err := nfqueue.Open(&nfCfg)
	if err != nil {
		ctConn.Close()
		table.Free()
		return nil, fmt.Errorf("open nfqueue %d: %w", cfg.NFQueueNum, err)
	}
	fp.nf = nf

	ctx, cancel := context.WithCancel(context.Background())
	fp.cancel = cancel

	if err := nf.RegisterWithErrorFunc(ctx, fp.handlePacket, fp.handleNFQueueError); err != nil {
		cancel()
		nf.Close()
		ctConn.Close()
		table.Free()
		return nil, fmt.Errorf("register nfqueue callback: %w", err)
	}

	fp.wg.Add(1)
	go fp.watchConntrackEvents(ctx)

	logger.Info("flow offload fast path started", "nfqueue", cfg.NFQueueNum)
	return fp, nil
}

// Close stops the NFQUEUE listener and conntrack event feed and frees the
// underlying flow table.
func (fp *FlowFastPath) Close() {
	fp.cancel()
	fp.nf.Close()
	fp.ctConn.Close()
	fp.wg.Wait()
	fp.table.Free()
	fp.logger.Info("flow offload fast path stopped")
}

// handlePacket is the NFQUEUE callback: it looks the packet's 5-tuple up
// in the flow table and, on a hit, applies the same NAT port rewrite and
// byte accounting the table's data-plane API exists for, then accepts.
// A miss is also accepted unrewritten; the fast path only ever shortcuts
// forwarding decisions that the full ruleset path already made when the
// connection was first established, it never makes a decision of its own.
func (fp *FlowFastPath) handlePacket(a nfqueue.Attribute) int {
	defer func() {
		if a.PacketID != nil {
			fp.nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		}
	}()

	if a.Payload == nil || a.PacketID == nil {
		return 0
	}
	payload := *a.Payload

	var iifIndex int
	if a.InDev != nil {
		iifIndex = int(*a.InDev)
	}

	tuple, thoff, proto, ok := parseIPv4TCPUDP(payload, iifIndex)
	if !ok {
		return 0
	}

	entry, ok := fp.table.Lookup(tuple)
	if !ok {
		return 0
	}

	dir := flow.DirOriginal
	if !entry.Tuple(flow.DirOriginal).Equal(tuple) {
		dir = flow.DirReply
	}

	pb := &flow.BytesBuffer{Data: payload}
	if entry.HasFlag(flow.FlagSNAT) {
		if err := flow.SNATPort(entry, pb, thoff, proto, dir, false); err != nil && err != flow.ErrDrop {
			fp.logger.Warn("fast path snat rewrite failed", "error", err)
		}
	}
	if entry.HasFlag(flow.FlagDNAT) {
		if err := flow.DNATPort(entry, pb, thoff, proto, dir, false); err != nil && err != flow.ErrDrop {
			fp.logger.Warn("fast path dnat rewrite failed", "error", err)
		}
	}
	flow.Account(entry, dir, uint64(len(payload)))

	return 0
}

func (fp *FlowFastPath) handleNFQueueError(err error) int {
	fp.logger.Warn("nfqueue error", "error", err)
	return 0
}

// watchConntrackEvents feeds conntrack events to handleConntrackEvent,
// which adds NEW connections to the flow table; DESTROY events do not
// remove anything (see handleConntrackEvent). Routes are re-resolved from the kernel
// routing table per event rather than carried over from the triggering
// packet, since conntrack events don't themselves carry interface indices.
func (fp *FlowFastPath) watchConntrackEvents(ctx context.Context) {
	defer fp.wg.Done()

	events, errs, err := fp.ctConn.Listen(1)
	if err != nil {
		fp.logger.Warn("conntrack event listen failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				fp.logger.Warn("conntrack event stream error", "error", err)
			}
		case ev := <-events:
			fp.handleConntrackEvent(ev)
		}
	}
}

// handleConntrackEvent populates the table from NEW events. DESTROY events
// are not handled symmetrically here: locating the matching table node
// needs the ingress interface, which (see addFromConntrack) conntrack
// events don't carry, so a torn-down kernel connection is instead reaped
// by the table's own timeout-driven GC pass once the flow goes idle.
func (fp *FlowFastPath) handleConntrackEvent(ev conntrack.Event) {
	if ev.Type == conntrack.EventNew {
		fp.addFromConntrack(ev.Flow)
	}
}

// addFromConntrack builds a table entry from a NEW event's tuples. The
// netlink conntrack protocol carries no interface indices, only addresses
// and ports, so the ingress interface of each direction is recorded as
// unknown (0) here; this is a documented scope limitation (see
// DESIGN.md) rather than a guess, since mapping a conntrack event back to
// the device it arrived on would require a second, address-keyed lookup
// this package has no reliable source for. The egress interface, which
// Alloc needs for each direction's RouteHandle, is resolved properly from
// the real kernel routing table.
func (fp *FlowFastPath) addFromConntrack(f conntrack.Flow) {
	l4proto, ok := l4ProtoFromWire(f.TupleOrig.Proto.Protocol)
	if !ok {
		return
	}

	origSrc, ok1 := netip.AddrFromSlice(f.TupleOrig.IP.SourceAddress)
	origDst, ok2 := netip.AddrFromSlice(f.TupleOrig.IP.DestinationAddress)
	replySrc, ok3 := netip.AddrFromSlice(f.TupleReply.IP.SourceAddress)
	replyDst, ok4 := netip.AddrFromSlice(f.TupleReply.IP.DestinationAddress)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return
	}

	origRoute, err := flow.ResolveRoute(origDst)
	if err != nil {
		return // no route yet (e.g. a locally terminated connection); not fast-path eligible
	}
	replyRoute, err := flow.ResolveRoute(replyDst)
	if err != nil {
		return
	}

	const unknownIngress = 0
	orig, err := flow.NewTuple(flow.L3IPv4, l4proto, origSrc.Unmap(), origDst.Unmap(),
		f.TupleOrig.Proto.SourcePort, f.TupleOrig.Proto.DestinationPort, unknownIngress)
	if err != nil {
		return
	}
	reply, err := flow.NewTuple(flow.L3IPv4, l4proto, replySrc.Unmap(), replyDst.Unmap(),
		f.TupleReply.Proto.SourcePort, f.TupleReply.Proto.DestinationPort, unknownIngress)
	if err != nil {
		return
	}

	ct, err := flow.NewNetlinkConnTrack(fp.ctConn, f.TupleOrig, l4proto)
	if err != nil {
		return
	}

	entry, err := flow.Alloc(ct, l4proto, orig, reply, origRoute, replyRoute)
	if err != nil {
		return
	}
	if err := fp.table.Add(context.Background(), entry); err != nil {
		fp.logger.Warn("fast path add from conntrack event failed", "error", err)
	}
}

func l4ProtoFromWire(proto uint8) (flow.L4Proto, bool) {
	switch proto {
	case uint8(flow.L4TCP):
		return flow.L4TCP, true
	case uint8(flow.L4UDP):
		return flow.L4UDP, true
	default:
		return 0, false
	}
}

// parseIPv4TCPUDP extracts the 5-tuple and transport header offset from a
// raw IPv4 packet. It returns ok=false for anything else (IPv6, fragments,
// non-TCP/UDP), which the caller treats as "not fast-path eligible".
func parseIPv4TCPUDP(data []byte, iifIndex int) (tuple flow.Tuple, thoff int, proto flow.L4Proto, ok bool) {
	if len(data) < 20 {
		return flow.Tuple{}, 0, 0, false
	}
	if data[0]>>4 != 4 {
		return flow.Tuple{}, 0, 0, false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+4 {
		return flow.Tuple{}, 0, 0, false
	}
	// A nonzero fragment offset means this isn't the first fragment and
	// carries no transport header at all.
	if binary.BigEndian.Uint16(data[6:8])&0x1fff != 0 {
		return flow.Tuple{}, 0, 0, false
	}

	var l4 flow.L4Proto
	switch data[9] {
	case 6:
		l4 = flow.L4TCP
	case 17:
		l4 = flow.L4UDP
	default:
		return flow.Tuple{}, 0, 0, false
	}
	if len(data) < ihl+4 {
		return flow.Tuple{}, 0, 0, false
	}

	src, ok1 := netip.AddrFromSlice(data[12:16])
	dst, ok2 := netip.AddrFromSlice(data[16:20])
	if !ok1 || !ok2 {
		return flow.Tuple{}, 0, 0, false
	}

	srcPort := binary.BigEndian.Uint16(data[ihl : ihl+2])
	dstPort := binary.BigEndian.Uint16(data[ihl+2 : ihl+4])

	t, err := flow.NewTuple(flow.L3IPv4, l4, src, dst, srcPort, dstPort, iifIndex)
	if err != nil {
		return flow.Tuple{}, 0, 0, false
	}
	return t, ihl, l4, true
}
