// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package flow

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ResolveRoute asks the kernel routing table for the destination decision
// to dst and returns a fresh, unreferenced RouteHandle carrying the
// output interface index and path MTU. Callers Acquire() it into each
// Tuple that shares the direction.
//
// MTU accounting for IPv4 with DF set is simply the link MTU: this
// package never fragments, so any DF-aware clamping belongs to the
// routing subsystem proper, not here.
func ResolveRoute(dst netip.Addr) (*RouteHandle, error) {
	routes, err := netlink.RouteGet(net.IP(dst.AsSlice()))
	if err != nil {
		return nil, fmt.Errorf("flow: route lookup for %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("flow: no route to %s", dst)
	}
	route := routes[0]

	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return nil, fmt.Errorf("flow: resolve link %d: %w", route.LinkIndex, err)
	}

	mtu := link.Attrs().MTU
	if route.MTU != 0 && route.MTU < mtu {
		mtu = route.MTU
	}

	gw := ""
	if route.Gw != nil {
		gw = route.Gw.String()
	}

	return &RouteHandle{
		OIfIndex: route.LinkIndex,
		MTU:      mtu,
		Gateway:  gw,
	}, nil
}
