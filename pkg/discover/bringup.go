package discover

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// ProbeRoots claims each channel's root on its own and keeps the channels
// whose root answers an identity read. The board should be reset afterwards.
func (e *Engine) ProbeRoots(ctx context.Context, specs []ChannelSpec) ([]ChannelSpec, error) {
	ctx, span := startSpan(ctx, "Engine.ProbeRoots", attribute.Int("roots.count", len(specs)))
	defer span.End()

	e.busMu.Lock()
	defer e.busMu.Unlock()

	var good []ChannelSpec
	for _, s := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.report(Progress{Phase: PhaseRootProbe, Channel: s.Number, Chip: s.Root}, nil)

		addr := bus.Address{Channel: s.Number, Chip: s.Root}
		if err := e.ctl.Claim(ctx, s.Number, s.Root); err != nil {
			return nil, fmt.Errorf("discover: claim root %s: %w", addr, err)
		}
		if err := e.enableRoot(ctx, addr); err != nil {
			return nil, err
		}
		if err := e.silence(ctx, addr); err != nil {
			return nil, err
		}
		if err := e.ctl.SetClockRatio(ctx, s.Number, e.cfg.ClockCtrl); err != nil {
			return nil, err
		}
		if err := e.enableRoot(ctx, addr); err != nil {
			return nil, err
		}

		ok, _ := e.ctl.VerifyIdentity(ctx, e.cfg.verifyOptions(), addr)
		recordIdentityRead(PhaseRootProbe, ok)
		if !ok {
			e.log.Warn("root anchor did not answer", "channel", s.Number, "root", int(s.Root))
			continue
		}
		e.log.Info("root anchor verified", "channel", s.Number, "root", int(s.Root))
		good = append(good, s)
	}
	span.SetAttributes(attribute.Int("roots.good", len(good)))
	return good, nil
}

// enableRoot points the root's reply port at the host.
func (e *Engine) enableRoot(ctx context.Context, addr bus.Address) error {
	if err := e.ctl.SetMask(ctx, addr, bus.RegMisoDownstream, grid.HostMask); err != nil {
		return err
	}
	return e.ctl.SetMask(ctx, addr, bus.RegMisoDifferential, grid.AllPorts)
}

// silence disables both relay masks and moves the chip to the run clock.
func (e *Engine) silence(ctx context.Context, addr bus.Address) error {
	if err := e.ctl.SetMask(ctx, addr, bus.RegMisoDownstream, 0); err != nil {
		return err
	}
	if err := e.ctl.SetMask(ctx, addr, bus.RegMisoUpstream, 0); err != nil {
		return err
	}
	return e.ctl.Set(ctx, addr, bus.RegClockCtrl, e.cfg.ClockCtrl)
}

// BringUp walks every planned path outward from its root, claiming one chip at
// a time and wiring each hop. Each branch is silenced afterwards and its
// channel moved to the run clock ratio. No hop is verified here.
func (e *Engine) BringUp(ctx context.Context, net *Network) error {
	ctx, span := startSpan(ctx, "Engine.BringUp", attribute.Int("channels", len(net.Channels)))
	defer span.End()

	e.busMu.Lock()
	defer e.busMu.Unlock()

	for _, ch := range net.Channels {
		ch.Discovered = nil
		ch.Done, ch.Invalid = false, false
		if len(ch.Path) == 0 {
			continue
		}
		if err := e.bringUpChannel(ctx, ch); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (e *Engine) bringUpChannel(ctx context.Context, ch *Channel) error {
	e.report(Progress{Phase: PhaseBringUp, Channel: ch.Number, Chip: ch.Root}, nil)

	root := ch.Path[0]
	if err := e.ctl.Claim(ctx, ch.Number, root); err != nil {
		return fmt.Errorf("discover: claim root %s: %w", ch.address(root), err)
	}
	if err := e.enableRoot(ctx, ch.address(root)); err != nil {
		return err
	}
	ch.Discovered = append(ch.Discovered, root)

	for step := 1; step < len(ch.Path); step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, next := ch.Path[step-1], ch.Path[step]
		e.log.Debug("bring-up hop", "channel", ch.Number, "prev", int(prev), "next", int(next))

		if err := e.ctl.SetMask(ctx, ch.address(prev), bus.RegMisoUpstream, e.planner.DirectionMask(prev, next)); err != nil {
			return err
		}
		if err := e.ctl.Claim(ctx, ch.Number, next); err != nil {
			return fmt.Errorf("discover: claim %s: %w", ch.address(next), err)
		}
		na := ch.address(next)
		if err := e.ctl.SetMask(ctx, na, bus.RegMisoDownstream, e.planner.DirectionMask(next, prev)); err != nil {
			return err
		}
		if err := e.ctl.SetMask(ctx, na, bus.RegMisoDifferential, grid.AllPorts); err != nil {
			return err
		}
		ch.Discovered = append(ch.Discovered, next)
	}

	// Outermost first so every chip is still reachable when its turn comes.
	for i := len(ch.Discovered) - 1; i >= 0; i-- {
		if err := e.silence(ctx, ch.address(ch.Discovered[i])); err != nil {
			return err
		}
	}
	if err := e.ctl.SetClockRatio(ctx, ch.Number, e.cfg.ClockCtrl); err != nil {
		return err
	}
	e.log.Info("channel brought up", "channel", ch.Number, "chips", len(ch.Discovered))
	return nil
}
