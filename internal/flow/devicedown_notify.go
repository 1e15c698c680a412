// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

// NotifyDeviceDown marks DYING every entry whose ingress interface, in
// either direction, is ifindex, across every registered table, and forces
// a GC pass so the teardown happens without waiting for the next timer
// tick. An interface that is only ever an entry's egress path is not a
// match: losing an egress-only route is a routing concern handled
// elsewhere, not a reason to tear down the connection. It has no netlink
// dependency so it can run on any platform and be driven directly by
// tests or by a non-netlink notifier; on Linux, StartDeviceDownWatcher
// (devicedown.go) calls it from a real netlink.LinkSubscribe feed.
func NotifyDeviceDown(ifindex int) {
	forEachTable(func(t *Table) {
		affected := false
		t.Walk(func(e *Entry) bool {
			orig := e.Tuple(DirOriginal)
			reply := e.Tuple(DirReply)
			if orig.IIfIndex == ifindex || reply.IIfIndex == ifindex {
				e.SetFlag(FlagDying)
				affected = true
			}
			return true
		})
		if affected {
			t.gcPass()
		}
	})
}
