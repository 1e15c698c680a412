// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "sync/atomic"

// RouteHandle is a refcounted pointer into the routing subsystem
// representing one direction's destination decision: output interface,
// path MTU, next hop. route_linux.go backs it with
// github.com/vishvananda/netlink; it is the concrete form of the
// "routing subsystem" external collaborator.
type RouteHandle struct {
	refs atomic.Int32

	OIfIndex int
	MTU      int
	Gateway  string
}

// Acquire takes one reference on the handle.
func (r *RouteHandle) Acquire() {
	r.refs.Add(1)
}

// Release drops one reference. Callers that bring the count to zero may
// return the handle to whatever route-cache pool produced it; this
// package only tracks the count, it never allocates routes itself.
func (r *RouteHandle) Release() int32 {
	return r.refs.Add(-1)
}

// RefCount reports the current reference count, chiefly for tests.
func (r *RouteHandle) RefCount() int32 {
	return r.refs.Load()
}
