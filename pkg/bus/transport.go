package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// ErrNotImplemented indicates the transport lacks support for the requested
// operation.
var ErrNotImplemented = errors.New("bus: operation not implemented")

// ErrNoResponse is returned when a read produced no reply within its deadline.
var ErrNoResponse = errors.New("bus: no response")

// Address identifies one device on one bus channel.
type Address struct {
	Channel int
	Chip    grid.ChipID
}

func (a Address) String() string {
	return fmt.Sprintf("%d-%d", a.Channel, a.Chip)
}

// Transport abstracts the host link to a hydra board. Writes are fire and
// forget: a nil error only means the command left the host.
type Transport interface {
	WriteRegister(ctx context.Context, addr Address, reg Register, value uint8) error
	ReadRegister(ctx context.Context, addr Address, reg Register) (uint8, error)
	// PowerUp sequences the board supplies.
	PowerUp(ctx context.Context) error
	// HardReset returns every chip to its reset configuration.
	HardReset(ctx context.Context) error
	SetClockRatio(ctx context.Context, channel int, ratio int) error
	Close() error
}

// ClockRatios maps a chip clock-control value to the channel UART clock ratio.
var ClockRatios = map[uint8]int{0: 2, 1: 4, 2: 8, 3: 16}

// ClockRatio returns the channel ratio for clkCtrl.
func ClockRatio(clkCtrl uint8) (int, error) {
	r, ok := ClockRatios[clkCtrl]
	if !ok {
		return 0, fmt.Errorf("bus: invalid clock control %d", clkCtrl)
	}
	return r, nil
}
