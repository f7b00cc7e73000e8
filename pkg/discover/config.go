package discover

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Config controls a discovery run.
type Config struct {
	Layout grid.Layout

	// Bounded identity reads
	VerifyTimeout time.Duration // per attempt (default: 500ms)
	VerifyRetries int           // attempts per read (default: 3)

	// RestoreAttempts is the number of restore write+verify rounds after a
	// probe, the first included (default: 3).
	RestoreAttempts int

	// ClockCtrl is programmed into every chip once its branch is up (default: 1).
	ClockCtrl uint8

	// MaxAttempts caps bring-up/verify rounds; 0 means no cap.
	MaxAttempts int

	ProbeRoots     bool // drop channels whose root does not answer (default: true)
	ProbeRedundant bool // test unused neighbour links after verification (default: true)
}

// DefaultConfig returns the production settings.
func DefaultConfig() *Config {
	return &Config{
		Layout:          grid.DefaultLayout,
		VerifyTimeout:   bus.DefaultVerifyOptions.Timeout,
		VerifyRetries:   bus.DefaultVerifyOptions.Retries,
		RestoreAttempts: 3,
		ClockCtrl:       1,
		MaxAttempts:     0,
		ProbeRoots:      true,
		ProbeRedundant:  true,
	}
}

// Validate checks the configuration and fills zero tunables with defaults.
func (c *Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return err
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = bus.DefaultVerifyOptions.Timeout
	}
	if c.VerifyRetries < 1 {
		c.VerifyRetries = bus.DefaultVerifyOptions.Retries
	}
	if c.RestoreAttempts < 1 {
		c.RestoreAttempts = 1
	}
	if _, err := bus.ClockRatio(c.ClockCtrl); err != nil {
		return err
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts %d is negative", c.MaxAttempts)
	}
	return nil
}

func (c *Config) verifyOptions() bus.VerifyOptions {
	return bus.VerifyOptions{Timeout: c.VerifyTimeout, Retries: c.VerifyRetries}
}
