// internal/config/normalize.go
package config

import (
	"sort"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/logging"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/discover"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Normalize applies post-validation normalization.
// It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Bus.Transport = strings.ToLower(cfg.Bus.Transport)
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = TransportSim
	}
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Network.Name == "" {
		cfg.Network.Name = "hydra"
	}
	sort.Slice(cfg.Network.Channels, func(i, j int) bool {
		return cfg.Network.Channels[i].Channel < cfg.Network.Channels[j].Channel
	})
}

// GridLayout returns the board geometry.
func (n NetworkConfig) GridLayout() grid.Layout {
	return grid.Layout{Rows: n.Layout.Rows, Cols: n.Layout.Cols, First: grid.ChipID(n.Layout.First)}
}

// ChannelSpecs returns the configured channels in channel order.
func (n NetworkConfig) ChannelSpecs() []discover.ChannelSpec {
	out := make([]discover.ChannelSpec, len(n.Channels))
	for i, ch := range n.Channels {
		out[i] = discover.ChannelSpec{Number: ch.Channel, Root: grid.ChipID(ch.Root)}
	}
	return out
}

// Roots maps channel number to root anchor, as the simulator wants it.
func (n NetworkConfig) Roots() map[int]grid.ChipID {
	out := make(map[int]grid.ChipID, len(n.Channels))
	for _, ch := range n.Channels {
		out[ch.Channel] = grid.ChipID(ch.Root)
	}
	return out
}

// Timeout is the transport timeout; zero selects the bus default.
func (b BusConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Faults returns the simulator's broken links and dead chips.
func (s SimConfig) Faults() ([]bus.SimLink, []grid.ChipID) {
	links := make([]bus.SimLink, len(s.BrokenLinks))
	for i, l := range s.BrokenLinks {
		links[i] = bus.SimLink{From: grid.ChipID(l[0]), To: grid.ChipID(l[1])}
	}
	dead := make([]grid.ChipID, len(s.DeadChips))
	for i, id := range s.DeadChips {
		dead[i] = grid.ChipID(id)
	}
	return links, dead
}

// EngineConfig builds the discovery settings. Zero tunables keep their
// defaults.
func (c *Config) EngineConfig() *discover.Config {
	out := discover.DefaultConfig()
	out.Layout = c.Network.GridLayout()
	d := c.Discovery
	if d.VerifyTimeoutMs > 0 {
		out.VerifyTimeout = time.Duration(d.VerifyTimeoutMs) * time.Millisecond
	}
	if d.VerifyRetries > 0 {
		out.VerifyRetries = d.VerifyRetries
	}
	if d.RestoreAttempts > 0 {
		out.RestoreAttempts = d.RestoreAttempts
	}
	out.ClockCtrl = d.ClockCtrl
	out.MaxAttempts = d.MaxAttempts
	if d.ProbeRoots != nil {
		out.ProbeRoots = *d.ProbeRoots
	}
	if d.ProbeRedundant != nil {
		out.ProbeRedundant = *d.ProbeRedundant
	}
	return out
}

// LoggingConfig maps the log section; the level was checked by Validate.
func (l LogConfig) LoggingConfig() logging.Config {
	lvl, _ := logging.ParseLevel(l.Level)
	return logging.Config{Level: lvl, JSON: l.Format == "json", File: l.File}
}
