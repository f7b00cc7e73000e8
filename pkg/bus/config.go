package bus

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Register is a chip configuration register number.
type Register uint8

const (
	// RegChipID holds the chip's own id and doubles as the identity register.
	RegChipID           Register = 122
	RegClockCtrl        Register = 123
	RegMisoUpstream     Register = 124
	RegMisoDifferential Register = 125
	RegMisoDownstream   Register = 126
)

// LiveRegisters lists the registers mutated during bring-up and probing.
var LiveRegisters = []Register{RegChipID, RegClockCtrl, RegMisoUpstream, RegMisoDifferential, RegMisoDownstream}

func (r Register) String() string {
	switch r {
	case RegChipID:
		return "chip_id"
	case RegClockCtrl:
		return "clk_ctrl"
	case RegMisoUpstream:
		return "enable_miso_upstream"
	case RegMisoDifferential:
		return "enable_miso_differential"
	case RegMisoDownstream:
		return "enable_miso_downstream"
	default:
		return fmt.Sprintf("reg%d", uint8(r))
	}
}

// Config is the live configuration snapshot of one chip.
type Config struct {
	ChipID       grid.ChipID
	ClockCtrl    uint8
	Upstream     grid.Mask // relays traffic from chips further from the host
	Differential grid.Mask
	Downstream   grid.Mask // relays traffic toward the host
}

// ResetConfig is the state of a chip after a hard reset.
func ResetConfig() Config {
	return Config{ChipID: grid.Placeholder}
}

// Value returns the raw register value.
func (c Config) Value(reg Register) (uint8, bool) {
	switch reg {
	case RegChipID:
		return uint8(c.ChipID), true
	case RegClockCtrl:
		return c.ClockCtrl, true
	case RegMisoUpstream:
		return uint8(c.Upstream), true
	case RegMisoDifferential:
		return uint8(c.Differential), true
	case RegMisoDownstream:
		return uint8(c.Downstream), true
	}
	return 0, false
}

// Set stores a raw register value.
func (c *Config) Set(reg Register, v uint8) error {
	switch reg {
	case RegChipID:
		c.ChipID = grid.ChipID(v)
	case RegClockCtrl:
		c.ClockCtrl = v
	case RegMisoUpstream:
		c.Upstream = grid.Mask(v) & grid.AllPorts
	case RegMisoDifferential:
		c.Differential = grid.Mask(v) & grid.AllPorts
	case RegMisoDownstream:
		c.Downstream = grid.Mask(v) & grid.AllPorts
	default:
		return fmt.Errorf("bus: unknown register %d", uint8(reg))
	}
	return nil
}
