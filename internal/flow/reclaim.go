// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "time"

// scheduleReclaim defers release until after grace has elapsed, giving any
// reader that obtained a pointer to the entry via Lookup just before
// unlinking time to finish using its ct/route handles. This is the
// Go-idiomatic stand-in for an RCU grace period: Go's garbage collector
// reclaims the Entry's memory itself once the last reference drops, so
// this function only needs to delay release of the resources the entry
// itself owns.
func scheduleReclaim(grace time.Duration, release func()) {
	if grace <= 0 {
		release()
		return
	}
	time.AfterFunc(grace, release)
}
