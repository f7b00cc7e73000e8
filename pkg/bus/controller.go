package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

var (
	// ErrDeviceExists is returned when an address is already in the live table.
	ErrDeviceExists = errors.New("bus: device already present")
	// ErrUnknownDevice is returned for addresses missing from the live table.
	ErrUnknownDevice = errors.New("bus: unknown device")
)

// Device is one live table entry.
type Device struct {
	Addr   Address
	Config Config
	// BorrowedFrom is set while the entry mirrors a device owned by another
	// channel.
	BorrowedFrom *Address
}

// RegisterRef names one register of one device.
type RegisterRef struct {
	Addr Address
	Reg  Register
}

// Diff describes a register that read back differently from the live table.
type Diff struct {
	Addr Address
	Reg  Register
	Want uint8
	Got  uint8
	Err  error
}

func (d Diff) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%s %s: %v", d.Addr, d.Reg, d.Err)
	}
	return fmt.Sprintf("%s %s: got %d, want %d", d.Addr, d.Reg, d.Got, d.Want)
}

// VerifyOptions bounds a verification read.
type VerifyOptions struct {
	Timeout time.Duration // per attempt
	Retries int           // attempts, at least one
}

// DefaultVerifyOptions matches the production bring-up: 0.5 s, 3 attempts.
var DefaultVerifyOptions = VerifyOptions{Timeout: 500 * time.Millisecond, Retries: 3}

// Controller owns the live device table and issues register traffic through a
// Transport.
type Controller struct {
	xport Transport
	log   *slog.Logger

	mu      sync.Mutex
	devices map[Address]*Device

	// claimMu serialises placeholder claims; two chips answering the default
	// address at once would both take the new id.
	claimMu sync.Mutex
}

// NewController wires a transport to an empty live table.
func NewController(xport Transport, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		xport:   xport,
		log:     log,
		devices: make(map[Address]*Device),
	}
}

// Transport returns the underlying transport.
func (c *Controller) Transport() Transport {
	return c.xport
}

// AddDevice registers addr with a reset configuration.
func (c *Controller) AddDevice(addr Address) (*Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, addr)
	}
	dev := &Device{Addr: addr, Config: ResetConfig()}
	c.devices[addr] = dev
	return dev, nil
}

// RemoveDevice drops addr from the live table.
func (c *Controller) RemoveDevice(addr Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	delete(c.devices, addr)
	return nil
}

// Device returns a copy of the live entry for addr.
func (c *Controller) Device(addr Address) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[addr]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Devices returns copies of all live entries ordered by channel then chip.
func (c *Controller) Devices() []Device {
	c.mu.Lock()
	out := make([]Device, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, *dev)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr.Channel != out[j].Addr.Channel {
			return out[i].Addr.Channel < out[j].Addr.Channel
		}
		return out[i].Addr.Chip < out[j].Addr.Chip
	})
	return out
}

// Owner returns the channel whose live table holds chip as an owned (not
// borrowed) entry.
func (c *Controller) Owner(chip grid.ChipID) (Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, dev := range c.devices {
		if addr.Chip == chip && dev.BorrowedFrom == nil {
			return addr, true
		}
	}
	return Address{}, false
}

// Set stores value in the live table and writes it to the chip.
func (c *Controller) Set(ctx context.Context, addr Address, reg Register, value uint8) error {
	c.mu.Lock()
	dev, ok := c.devices[addr]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if err := dev.Config.Set(reg, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.write(ctx, addr, reg, value)
}

// SetMask is Set for the port-mask registers.
func (c *Controller) SetMask(ctx context.Context, addr Address, reg Register, m grid.Mask) error {
	return c.Set(ctx, addr, reg, uint8(m))
}

// Write pushes the live table values of regs to the chip.
func (c *Controller) Write(ctx context.Context, addr Address, regs ...Register) error {
	dev, ok := c.Device(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	for _, reg := range regs {
		v, ok := dev.Config.Value(reg)
		if !ok {
			return fmt.Errorf("bus: unknown register %d", uint8(reg))
		}
		if err := c.write(ctx, addr, reg, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) write(ctx context.Context, addr Address, reg Register, v uint8) error {
	c.log.Debug("write", "addr", addr.String(), "reg", reg.String(), "value", v)
	if err := c.xport.WriteRegister(ctx, addr, reg, v); err != nil {
		return fmt.Errorf("bus: write %s %s: %w", addr, reg, err)
	}
	return nil
}

// ReadRegister reads one register once with the given timeout.
func (c *Controller) ReadRegister(ctx context.Context, addr Address, reg Register, timeout time.Duration) (uint8, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.xport.ReadRegister(ctx, addr, reg)
}

// VerifyRegisters reads back every ref and compares it with the live table.
// The whole set is re-read up to opts.Retries times until it matches.
func (c *Controller) VerifyRegisters(ctx context.Context, refs []RegisterRef, opts VerifyOptions) (bool, []Diff) {
	attempts := opts.Retries
	if attempts < 1 {
		attempts = 1
	}
	var diffs []Diff
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		diffs = c.compare(ctx, refs, opts.Timeout)
		if len(diffs) == 0 {
			return true, nil
		}
		c.log.Debug("verify mismatch", "attempt", attempt+1, "diffs", len(diffs))
	}
	if diffs == nil {
		diffs = []Diff{{Err: ctx.Err()}}
	}
	return false, diffs
}

func (c *Controller) compare(ctx context.Context, refs []RegisterRef, timeout time.Duration) []Diff {
	var diffs []Diff
	for _, ref := range refs {
		dev, ok := c.Device(ref.Addr)
		if !ok {
			diffs = append(diffs, Diff{Addr: ref.Addr, Reg: ref.Reg, Err: ErrUnknownDevice})
			continue
		}
		want, _ := dev.Config.Value(ref.Reg)
		got, err := c.ReadRegister(ctx, ref.Addr, ref.Reg, timeout)
		if err != nil {
			diffs = append(diffs, Diff{Addr: ref.Addr, Reg: ref.Reg, Want: want, Err: err})
			continue
		}
		if got != want {
			diffs = append(diffs, Diff{Addr: ref.Addr, Reg: ref.Reg, Want: want, Got: got})
		}
	}
	return diffs
}

// VerifyIdentity performs one bounded identity-register read of each address.
func (c *Controller) VerifyIdentity(ctx context.Context, opts VerifyOptions, addrs ...Address) (bool, []Diff) {
	refs := make([]RegisterRef, len(addrs))
	for i, a := range addrs {
		refs[i] = RegisterRef{Addr: a, Reg: RegChipID}
	}
	return c.VerifyRegisters(ctx, refs, opts)
}

// Claim moves the chip currently answering the default address on channel to
// id and registers it in the live table. Only one claim runs at a time.
func (c *Controller) Claim(ctx context.Context, channel int, id grid.ChipID) error {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	temp := Address{Channel: channel, Chip: grid.Placeholder}
	m := &claimMachine{addr: Address{Channel: channel, Chip: id}}
	fail := func(err error) error {
		return &ClaimError{Addr: m.addr, State: m.state, Err: err}
	}

	if id <= grid.Placeholder || id > grid.MaxChipID {
		return fail(fmt.Errorf("bus: chip id %d outside identity register range %d..%d", id, grid.Placeholder+1, grid.MaxChipID))
	}
	if _, err := c.AddDevice(temp); err != nil {
		return fail(err)
	}
	if err := m.advance(ClaimPlaceholder); err != nil {
		return fail(err)
	}
	if err := c.Set(ctx, temp, RegChipID, uint8(id)); err != nil {
		if rerr := c.RemoveDevice(temp); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fail(err)
	}
	if err := m.advance(ClaimRenamed); err != nil {
		return fail(err)
	}
	if err := c.RemoveDevice(temp); err != nil {
		return fail(err)
	}
	if err := m.advance(ClaimReleased); err != nil {
		return fail(err)
	}
	dev, err := c.AddDevice(m.addr)
	if err != nil {
		return fail(err)
	}
	c.mu.Lock()
	dev.Config.ChipID = id
	c.mu.Unlock()
	if err := m.advance(ClaimClaimed); err != nil {
		return fail(err)
	}
	c.log.Debug("claimed", "addr", m.addr.String())
	return nil
}

// Lease is a temporary live entry mirroring a device owned by another channel.
type Lease struct {
	Addr   Address // borrowed address on the borrowing channel
	Origin Address // owning address

	ctl      *Controller
	released bool
}

// Borrow registers the configuration of the device at origin under channel so
// it can be addressed from there. The lease must be released.
func (c *Controller) Borrow(origin Address, channel int) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.devices[origin]
	if !ok {
		return nil, fmt.Errorf("%w: borrow %s", ErrUnknownDevice, origin)
	}
	if src.BorrowedFrom != nil {
		return nil, fmt.Errorf("bus: borrow %s: device is itself borrowed", origin)
	}
	addr := Address{Channel: channel, Chip: origin.Chip}
	if _, ok := c.devices[addr]; ok {
		return nil, fmt.Errorf("%w: borrow into %s", ErrDeviceExists, addr)
	}
	from := origin
	c.devices[addr] = &Device{Addr: addr, Config: src.Config, BorrowedFrom: &from}
	return &Lease{Addr: addr, Origin: origin, ctl: c}, nil
}

// Release drops the borrowed entry. Releasing twice is a no-op.
func (l *Lease) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	return l.ctl.RemoveDevice(l.Addr)
}

// Reset power-cycles and hard-resets the board, discards the live table and
// returns every channel to the reset clock ratio.
func (c *Controller) Reset(ctx context.Context, channels []int) error {
	if err := c.xport.PowerUp(ctx); err != nil && !errors.Is(err, ErrNotImplemented) {
		return fmt.Errorf("bus: power up: %w", err)
	}
	if err := c.xport.HardReset(ctx); err != nil {
		return fmt.Errorf("bus: hard reset: %w", err)
	}
	c.mu.Lock()
	c.devices = make(map[Address]*Device)
	c.mu.Unlock()
	for _, ch := range channels {
		if err := c.SetClockRatio(ctx, ch, 0); err != nil {
			return err
		}
	}
	return nil
}

// SetClockRatio programs the channel UART ratio matching clkCtrl.
func (c *Controller) SetClockRatio(ctx context.Context, channel int, clkCtrl uint8) error {
	ratio, err := ClockRatio(clkCtrl)
	if err != nil {
		return err
	}
	if err := c.xport.SetClockRatio(ctx, channel, ratio); err != nil {
		return fmt.Errorf("bus: clock ratio channel %d: %w", channel, err)
	}
	return nil
}
