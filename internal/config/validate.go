// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/logging"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	layout := cfg.Network.GridLayout()
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("network.layout: %w", err)
	}

	// ------------------------------------------------------------
	// CHANNELS
	// ------------------------------------------------------------

	if len(cfg.Network.Channels) == 0 {
		return fmt.Errorf("network.channels: at least one channel is required")
	}
	channels := make(map[int]bool)
	roots := make(map[int]int)
	for _, ch := range cfg.Network.Channels {
		if ch.Channel < 1 {
			return fmt.Errorf("channel %d: channel numbers start at 1", ch.Channel)
		}
		if channels[ch.Channel] {
			return fmt.Errorf("channel %d: listed twice", ch.Channel)
		}
		channels[ch.Channel] = true

		if !layout.Valid(grid.ChipID(ch.Root)) {
			return fmt.Errorf("channel %d: root %d is off the board", ch.Channel, ch.Root)
		}
		if prev, ok := roots[ch.Root]; ok {
			return fmt.Errorf("channel %d: root %d already used by channel %d", ch.Channel, ch.Root, prev)
		}
		roots[ch.Root] = ch.Channel
	}

	// ------------------------------------------------------------
	// BUS
	// ------------------------------------------------------------

	switch strings.ToLower(cfg.Bus.Transport) {
	case "", TransportSim:
		for _, l := range cfg.Bus.Sim.BrokenLinks {
			if layout.DirectionMask(grid.ChipID(l[0]), grid.ChipID(l[1])) == 0 {
				return fmt.Errorf("bus.sim.broken_links: %d -> %d is not a link of the board", l[0], l[1])
			}
		}
		for _, id := range cfg.Bus.Sim.DeadChips {
			if !layout.Valid(grid.ChipID(id)) {
				return fmt.Errorf("bus.sim.dead_chips: %d is off the board", id)
			}
		}
	case TransportModbus:
		if cfg.Bus.Endpoint == "" {
			return fmt.Errorf("bus.endpoint: required for the modbus transport")
		}
	default:
		return fmt.Errorf("bus.transport: unknown transport %q", cfg.Bus.Transport)
	}
	if cfg.Bus.TimeoutMs < 0 {
		return fmt.Errorf("bus.timeout_ms: %d is negative", cfg.Bus.TimeoutMs)
	}

	// ------------------------------------------------------------
	// DISCOVERY
	// ------------------------------------------------------------

	d := cfg.Discovery
	if d.VerifyTimeoutMs < 0 || d.VerifyRetries < 0 || d.RestoreAttempts < 0 || d.MaxAttempts < 0 {
		return fmt.Errorf("discovery: timeouts, retries and attempts must not be negative")
	}
	if _, err := bus.ClockRatio(d.ClockCtrl); err != nil {
		return fmt.Errorf("discovery.clk_ctrl: %w", err)
	}

	// ------------------------------------------------------------
	// LOG
	// ------------------------------------------------------------

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}

	return nil
}
