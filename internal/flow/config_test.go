// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/flywall/internal/config"
)

func TestConfigFromGlobal_NilFallsBackToDefaults(t *testing.T) {
	got := ConfigFromGlobal(nil)
	assert.Equal(t, DefaultConfigValues(), got)
}

func TestConfigFromGlobal_OverridesDefaults(t *testing.T) {
	cfg := &config.FlowTableConfig{
		MaxEntries:     50,
		Buckets:        64,
		DefaultTimeout: "5s",
		GCInterval:     "250ms",
	}
	got := ConfigFromGlobal(cfg)

	assert.Equal(t, 50, got.MaxEntries)
	assert.Equal(t, 64, got.Buckets)
	assert.Equal(t, 5*time.Second, got.DefaultTimeout)
	assert.Equal(t, 250*time.Millisecond, got.GCInterval)
}

func TestTableFlagsFromGlobal(t *testing.T) {
	assert.Equal(t, TableFlags(0), TableFlagsFromGlobal(nil))
	assert.Equal(t, TableHW, TableFlagsFromGlobal(&config.FlowTableConfig{HardwareOffload: true}))
}
