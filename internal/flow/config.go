// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"grimm.is/flywall/internal/config"
)

// ConfigFromGlobal converts a config.FlowTableConfig into the Config this
// package's InitTable expects, falling back to DefaultConfigValues for a
// nil input or unset/unparseable duration fields.
func ConfigFromGlobal(cfg *config.FlowTableConfig) Config {
	result := DefaultConfigValues()
	if cfg == nil {
		return result
	}

	if cfg.MaxEntries > 0 {
		result.MaxEntries = cfg.MaxEntries
	}
	if cfg.Buckets > 0 {
		result.Buckets = cfg.Buckets
	}
	if d, err := time.ParseDuration(cfg.DefaultTimeout); err == nil && d > 0 {
		result.DefaultTimeout = d
	}
	if d, err := time.ParseDuration(cfg.GCInterval); err == nil && d > 0 {
		result.GCInterval = d
	}
	return result
}

// TableFlagsFromGlobal derives TableFlags from a config.FlowTableConfig.
func TableFlagsFromGlobal(cfg *config.FlowTableConfig) TableFlags {
	if cfg != nil && cfg.HardwareOffload {
		return TableHW
	}
	return 0
}
