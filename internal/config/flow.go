// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"time"
)

// FlowTableConfig controls the connection-tracking flow offload table that
// backs EnableFlowOffload. It is consulted once at table initialization;
// changing it requires a table restart.
type FlowTableConfig struct {
	// Maximum number of directional tuples held in the table (both
	// directions of a flow count as two).
	// @default: 200000
	MaxEntries int `hcl:"max_entries,optional" json:"max_entries,omitempty"`

	// Default inactivity window before an idle flow becomes eligible for
	// garbage collection.
	// @default: "30s"
	DefaultTimeout string `hcl:"default_timeout,optional" json:"default_timeout,omitempty"`

	// Garbage collector sweep interval.
	// @default: "1s"
	GCInterval string `hcl:"gc_interval,optional" json:"gc_interval,omitempty"`

	// Number of hash buckets backing the table; rounded up to the next
	// power of two.
	// @default: 4096
	Buckets int `hcl:"buckets,optional" json:"buckets,omitempty"`

	// Enable mirroring offloaded flows to the hardware/eBPF backend.
	// @default: false
	HardwareOffload bool `hcl:"hardware_offload,optional" json:"hardware_offload,omitempty"`

	// NFQUEUE queue number the packet path delivers candidate packets to
	// for fast-path lookup. 0 leaves the fast path disabled.
	// @default: 0
	NFQueueNum uint16 `hcl:"nfqueue_num,optional" json:"nfqueue_num,omitempty"`
}

// DefaultFlowTableConfig returns the flow offload table defaults.
func DefaultFlowTableConfig() *FlowTableConfig {
	return &FlowTableConfig{
		MaxEntries:      200000,
		DefaultTimeout:  "30s",
		GCInterval:      "1s",
		Buckets:         4096,
		HardwareOffload: false,
	}
}

// Validate checks the flow table configuration for internal consistency.
func (c *FlowTableConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("flow_table.max_entries must be positive")
	}
	if c.Buckets < 0 {
		return fmt.Errorf("flow_table.buckets must be positive")
	}
	if c.DefaultTimeout != "" {
		if _, err := parseDurationField("flow_table.default_timeout", c.DefaultTimeout); err != nil {
			return err
		}
	}
	if c.GCInterval != "" {
		if _, err := parseDurationField("flow_table.gc_interval", c.GCInterval); err != nil {
			return err
		}
	}
	return nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Merge merges another flow table config into this one, preferring the
// other's non-zero fields.
func (c *FlowTableConfig) Merge(other *FlowTableConfig) {
	if other == nil {
		return
	}
	if other.MaxEntries != 0 {
		c.MaxEntries = other.MaxEntries
	}
	if other.DefaultTimeout != "" {
		c.DefaultTimeout = other.DefaultTimeout
	}
	if other.GCInterval != "" {
		c.GCInterval = other.GCInterval
	}
	if other.Buckets != 0 {
		c.Buckets = other.Buckets
	}
	if other.HardwareOffload {
		c.HardwareOffload = true
	}
	if other.NFQueueNum != 0 {
		c.NFQueueNum = other.NFQueueNum
	}
}
