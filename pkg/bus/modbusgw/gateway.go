// Package modbusgw drives a hydra controller board that exposes chip registers
// through a Modbus/TCP gateway. Each bus channel is a Modbus unit; chip
// register r of chip c lives at holding register c<<8|r. Board-wide controls
// are coils on unit 0.
package modbusgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
)

const (
	coilPower     uint16 = 0x0000
	coilHardReset uint16 = 0x0001
	// clockRatioBase + channel holds the channel UART clock ratio.
	clockRatioBase uint16 = 0xff00
	coilOn         uint16 = 0xff00
	boardUnit      byte   = 0
)

// registerClient is the subset of modbus.Client the gateway needs.
type registerClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Gateway is a bus.Transport over one Modbus/TCP connection. Requests are
// serialised because the unit id is switched per request.
type Gateway struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  registerClient
	timeout time.Duration
	setUnit func(byte)
}

// Dial connects to the gateway.
func Dial(cfg Config) (*Gateway, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbusgw: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = bus.DefaultVerifyOptions.Timeout
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("modbusgw: connect %s: %w", cfg.Endpoint, err)
	}

	return &Gateway{
		handler: h,
		client:  modbus.NewClient(h),
		timeout: cfg.Timeout,
		setUnit: func(id byte) { h.SlaveId = id },
	}, nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handler == nil {
		return nil
	}
	return g.handler.Close()
}

func registerAddress(addr bus.Address, reg bus.Register) (uint16, error) {
	if addr.Chip < 0 || addr.Chip > 0xff {
		return 0, fmt.Errorf("modbusgw: chip id %d out of range", addr.Chip)
	}
	return uint16(addr.Chip)<<8 | uint16(reg), nil
}

func unitID(channel int) (byte, error) {
	if channel < 1 || channel > 247 {
		return 0, fmt.Errorf("modbusgw: channel %d out of unit range", channel)
	}
	return byte(channel), nil
}

// begin locks the gateway, selects the unit and bounds the request by the
// context deadline.
func (g *Gateway) begin(ctx context.Context, unit byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	g.setUnit(unit)
	if g.handler != nil {
		g.handler.Timeout = g.timeout
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left > 0 && left < g.timeout {
				g.handler.Timeout = left
			}
		}
	}
	return nil
}

func (g *Gateway) WriteRegister(ctx context.Context, addr bus.Address, reg bus.Register, value uint8) error {
	unit, err := unitID(addr.Channel)
	if err != nil {
		return err
	}
	ra, err := registerAddress(addr, reg)
	if err != nil {
		return err
	}
	if err := g.begin(ctx, unit); err != nil {
		return err
	}
	defer g.mu.Unlock()
	_, err = g.client.WriteSingleRegister(ra, uint16(value))
	return err
}

func (g *Gateway) ReadRegister(ctx context.Context, addr bus.Address, reg bus.Register) (uint8, error) {
	unit, err := unitID(addr.Channel)
	if err != nil {
		return 0, err
	}
	ra, err := registerAddress(addr, reg)
	if err != nil {
		return 0, err
	}
	if err := g.begin(ctx, unit); err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	res, err := g.client.ReadHoldingRegisters(ra, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", bus.ErrNoResponse, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("modbusgw: short response (%d bytes)", len(res))
	}
	return res[1], nil
}

func (g *Gateway) coil(ctx context.Context, address uint16) error {
	if err := g.begin(ctx, boardUnit); err != nil {
		return err
	}
	defer g.mu.Unlock()
	_, err := g.client.WriteSingleCoil(address, coilOn)
	return err
}

func (g *Gateway) PowerUp(ctx context.Context) error {
	return g.coil(ctx, coilPower)
}

func (g *Gateway) HardReset(ctx context.Context) error {
	return g.coil(ctx, coilHardReset)
}

func (g *Gateway) SetClockRatio(ctx context.Context, channel int, ratio int) error {
	if ratio < 1 || ratio > 0xffff {
		return fmt.Errorf("modbusgw: invalid clock ratio %d", ratio)
	}
	unit, err := unitID(channel)
	if err != nil {
		return err
	}
	if err := g.begin(ctx, boardUnit); err != nil {
		return err
	}
	defer g.mu.Unlock()
	_, err = g.client.WriteSingleRegister(clockRatioBase+uint16(unit), uint16(ratio))
	return err
}

var _ bus.Transport = (*Gateway)(nil)
