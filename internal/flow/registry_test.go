// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndUnregisterOnFree(t *testing.T) {
	before := 0
	forEachTable(func(*Table) { before++ })

	tbl, err := InitTable(0, &Config{Buckets: 16, GCInterval: time.Hour}, testLogger())
	require.NoError(t, err)

	during := 0
	forEachTable(func(*Table) { during++ })
	assert.Equal(t, before+1, during)

	tbl.Free()

	after := 0
	forEachTable(func(*Table) { after++ })
	assert.Equal(t, before, after)
}
