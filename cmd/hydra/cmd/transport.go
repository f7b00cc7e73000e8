package cmd

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/config"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus/modbusgw"
)

// openTransport creates the bus transport selected by the configuration.
func openTransport(cfg *config.Config) (bus.Transport, error) {
	switch cfg.Bus.Transport {
	case config.TransportSim:
		sim := bus.NewSimTransport(cfg.Network.GridLayout(), cfg.Network.Roots())
		links, dead := cfg.Bus.Sim.Faults()
		sim.Break(links...)
		for _, id := range dead {
			sim.Dead[id] = true
		}
		return sim, nil

	case config.TransportModbus:
		gw, err := modbusgw.Dial(modbusgw.Config{
			Endpoint: cfg.Bus.Endpoint,
			Timeout:  cfg.Bus.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return gw, nil

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Bus.Transport)
	}
}
