// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock wraps time.Now so callers that need a deterministic clock
// in tests have a single seam to override.
package clock

import "time"

// now is replaced by tests that need a fixed or stepped clock.
var now = time.Now

// Now returns the current time.
func Now() time.Time {
	return now()
}
