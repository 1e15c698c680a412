// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package flow

import (
	"fmt"
	"net/netip"
)

// ResolveRoute is a stub on non-Linux platforms: route resolution is only
// supported on Linux via netlink.
func ResolveRoute(dst netip.Addr) (*RouteHandle, error) {
	return nil, fmt.Errorf("flow: route resolution not supported on this platform")
}
