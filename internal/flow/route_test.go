// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteHandle_AcquireRelease(t *testing.T) {
	r := &RouteHandle{OIfIndex: 3, MTU: 1500}
	assert.EqualValues(t, 0, r.RefCount())

	r.Acquire()
	r.Acquire()
	assert.EqualValues(t, 2, r.RefCount())

	assert.EqualValues(t, 1, r.Release())
	assert.EqualValues(t, 0, r.Release())
}
