// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package flow

import "fmt"

// DialConnTrack is a stub on non-Linux platforms: connection tracking is
// only reachable via netlink, which is Linux-only.
func DialConnTrack() (any, error) {
	return nil, fmt.Errorf("flow: conntrack not supported on this platform")
}
