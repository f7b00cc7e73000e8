package discover

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// Verify re-enables the brought-up chains one hop at a time, in lockstep across
// channels, and confirms every hop with a bounded identity read of its far
// chip. Hops already in the good set are re-enabled but not read. A failing
// hop is excluded in st and stops its channel, which is marked invalid. Verify
// reports whether every channel completed.
func (e *Engine) Verify(ctx context.Context, net *Network, st *topology.State) (bool, error) {
	ctx, span := startSpan(ctx, "Engine.Verify", attribute.Int("channels", len(net.Channels)))
	defer span.End()

	e.busMu.Lock()
	defer e.busMu.Unlock()

	for _, ch := range net.Channels {
		ch.Done, ch.Invalid = false, false
	}

	for step := 1; ; step++ {
		stepping := false
		for _, ch := range net.Channels {
			if ch.Done {
				continue
			}
			if step > len(ch.Discovered)-1 {
				ch.Done = true
				continue
			}
			stepping = true
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if err := e.verifyHop(ctx, net, ch, step, st); err != nil {
				return false, err
			}
		}
		if !stepping {
			break
		}
	}

	ok := net.Valid()
	span.SetAttributes(attribute.Bool("verify.ok", ok))
	return ok, nil
}

func (e *Engine) verifyHop(ctx context.Context, net *Network, ch *Channel, step int, st *topology.State) error {
	prev, next := ch.Discovered[step-1], ch.Discovered[step]
	pa, na := ch.address(prev), ch.address(next)
	e.report(Progress{Phase: PhaseVerify, Channel: ch.Number, Chip: next}, st)

	if net.IsRoot(prev) {
		// A replan may have reordered roots; restate the anchor's identity.
		if err := e.ctl.Set(ctx, pa, bus.RegChipID, uint8(prev)); err != nil {
			return err
		}
		if err := e.enableRoot(ctx, pa); err != nil {
			return err
		}
	}
	if err := e.ctl.SetMask(ctx, pa, bus.RegMisoUpstream, e.planner.DirectionMask(prev, next)); err != nil {
		return err
	}
	if err := e.ctl.SetMask(ctx, na, bus.RegMisoDownstream, e.planner.DirectionMask(next, prev)); err != nil {
		return err
	}
	if err := e.ctl.SetMask(ctx, na, bus.RegMisoDifferential, grid.AllPorts); err != nil {
		return err
	}

	link := topology.Link{From: prev, To: next}
	if st.IsGood(link) {
		e.log.Debug("hop already verified", "channel", ch.Number, "link", link.String())
		return nil
	}

	ok, diffs := e.ctl.VerifyIdentity(ctx, e.cfg.verifyOptions(), na)
	recordIdentityRead(PhaseVerify, ok)
	if ok {
		st.AddGood(link)
		recordLink(PhaseVerify, true)
		e.log.Info("hop verified", "channel", ch.Number, "link", link.String())
		return nil
	}

	st.ExcludeLink(link)
	recordLink(PhaseVerify, false)
	ch.Done, ch.Invalid = true, true
	e.log.Warn("hop failed", "channel", ch.Number, "link", link.String(), "diffs", len(diffs))
	return nil
}
