// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import "grimm.is/flywall/internal/config"

// Config is this package's own name for the configuration shape its
// builders and Manager consume. It is an alias rather than a distinct
// struct so callers can pass a *config.Config straight through without a
// conversion step.
type Config = config.Config

// FromGlobalConfig adapts the global configuration to this package's
// Config. It exists as a named conversion point even though Config is
// currently an alias, so call sites read the same whether or not a future
// change narrows Config to a true subset of config.Config.
func FromGlobalConfig(cfg *config.Config) *Config {
	return cfg
}
