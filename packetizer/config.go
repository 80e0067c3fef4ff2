// File: packetizer/config.go
// Author: momentics <momentics@gmail.com>

package packetizer

import "github.com/momentics/hioload-net/control"

// Config tunes the split-vs-flush heuristic.
type Config struct {
	MaxMTU         int
	SplitThreshold int
	SpillThreshold int
}

// DefaultConfig mirrors control.DefaultConfig.
func DefaultConfig() Config {
	return ConfigFrom(control.DefaultConfig().Packetizer)
}

// ConfigFrom converts the configuration file section.
func ConfigFrom(c control.PacketizerConfig) Config {
	return Config{
		MaxMTU:         c.MaxMTU,
		SplitThreshold: c.SplitThreshold,
		SpillThreshold: c.SpillThreshold,
	}
}
