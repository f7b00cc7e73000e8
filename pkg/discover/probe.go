package discover

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// SkipReason explains why a probe candidate was not tested.
type SkipReason uint8

const (
	NotSkipped SkipReason = iota
	SkipOffGrid
	SkipPathNeighbor
	SkipKnownGood
	SkipExcludedChip
	SkipRoot
	SkipTestedFromOtherSide
	SkipUnclaimed
)

var skipNames = map[SkipReason]string{
	NotSkipped:              "tested",
	SkipOffGrid:             "off-grid",
	SkipPathNeighbor:        "path-neighbor",
	SkipKnownGood:           "known-good",
	SkipExcludedChip:        "excluded-chip",
	SkipRoot:                "root",
	SkipTestedFromOtherSide: "tested-from-other-side",
	SkipUnclaimed:           "unclaimed",
}

func (s SkipReason) String() string {
	if name, ok := skipNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SkipReason(%d)", s)
}

// RestoreResult is the outcome of putting a probe's masks back.
type RestoreResult uint8

const (
	// RestoreNone means nothing was altered.
	RestoreNone RestoreResult = iota
	// Restored means the original masks were rewritten and read back.
	Restored
	// Degraded means the touched chips never verified after restoration; they
	// may stay altered until the next full reset.
	Degraded
)

func (r RestoreResult) String() string {
	switch r {
	case RestoreNone:
		return "none"
	case Restored:
		return "restored"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("RestoreResult(%d)", r)
	}
}

// ProbeOutcome records one candidate of one probing chip.
type ProbeOutcome struct {
	Link     topology.Link
	Skip     SkipReason
	Good     bool
	Borrowed bool // candidate is owned by another channel
	Restore  RestoreResult
	Restores int // restore rounds issued
}

// ProbeReport is the result of probing one chip.
type ProbeReport struct {
	Channel int
	Chip    grid.ChipID
	// Attempted is false only when the chip could not be probed at all.
	Attempted bool
	Outcomes  []ProbeOutcome
}

// Degraded returns the outcomes whose restoration failed.
func (r ProbeReport) Degraded() []ProbeOutcome {
	var out []ProbeOutcome
	for _, o := range r.Outcomes {
		if o.Restore == Degraded {
			out = append(out, o)
		}
	}
	return out
}

// probeOrder is the order neighbours are tried in.
var probeOrder = []grid.Direction{grid.East, grid.West, grid.North, grid.South}

// ProbeChip tests the unused grid neighbours of the chip at index ich of ch's
// verified chain. Each tested candidate is isolated from its own upstream,
// reached through a detour from the probing chip, read once, and restored.
// Link verdicts are recorded in st.
func (e *Engine) ProbeChip(ctx context.Context, net *Network, ch *Channel, ich int, st *topology.State) ProbeReport {
	rep := ProbeReport{Channel: ch.Number}
	if ich < 0 || ich >= len(ch.Discovered) {
		return rep
	}
	chip := ch.Discovered[ich]
	rep.Chip = chip
	if ch.Invalid || ctx.Err() != nil {
		return rep
	}
	if _, ok := e.ctl.Device(ch.address(chip)); !ok {
		return rep
	}

	ctx, span := startSpan(ctx, "Engine.ProbeChip",
		attribute.Int("probe.channel", ch.Number),
		attribute.Int("probe.chip", int(chip)),
	)
	defer span.End()

	rep.Attempted = true
	e.report(Progress{Phase: PhaseProbe, Channel: ch.Number, Chip: chip}, st)

	path := ch.Discovered
	for _, d := range probeOrder {
		cand, ok := e.cfg.Layout.Neighbor(chip, d)
		out := ProbeOutcome{Link: topology.Link{From: chip, To: cand}}
		switch {
		case !ok:
			out.Skip = SkipOffGrid
		case ich+1 < len(path) && cand == path[ich+1], ich > 0 && cand == path[ich-1]:
			out.Skip = SkipPathNeighbor
		case st.IsGood(out.Link):
			out.Skip = SkipKnownGood
		case st.IsChipExcluded(cand):
			out.Skip = SkipExcludedChip
		}
		if out.Skip == NotSkipped {
			out = e.probeCandidate(ctx, net, ch, ich, cand, st, out)
		}
		probeOutcomes.WithLabelValues(outcomeLabel(out)).Inc()
		rep.Outcomes = append(rep.Outcomes, out)
	}
	return rep
}

func outcomeLabel(o ProbeOutcome) string {
	if o.Skip != NotSkipped {
		return "skip-" + o.Skip.String()
	}
	if o.Good {
		return "good"
	}
	return "excluded"
}

// probeTarget describes the chips touched by one probe.
type probeTarget struct {
	curr      bus.Address // probing chip
	candWrite bus.Address // candidate as addressed for mask writes
	candRead  bus.Address // candidate as addressed through the detour
	candOwn   bus.Address // candidate on its owning channel
	pred      *bus.Address
	lease     *bus.Lease
}

func (e *Engine) probeCandidate(ctx context.Context, net *Network, ch *Channel, ich int, cand grid.ChipID, st *topology.State, out ProbeOutcome) ProbeOutcome {
	chip := ch.Discovered[ich]
	t := probeTarget{curr: ch.address(chip)}

	if idx := ch.Discovered.Index(cand); idx >= 0 {
		switch {
		case idx == 0:
			out.Skip = SkipRoot
			return out
		case idx < ich:
			out.Skip = SkipTestedFromOtherSide
			return out
		}
		t.candWrite = ch.address(cand)
		t.candRead = t.candWrite
		t.candOwn = t.candWrite
		pred := ch.address(ch.Discovered[idx-1])
		t.pred = &pred
	} else {
		owner, _, ok := net.Owner(cand)
		if !ok || owner.Invalid {
			out.Skip = SkipUnclaimed
			return out
		}
		t.candOwn = owner.address(cand)
		lease, err := e.ctl.Borrow(t.candOwn, ch.Number)
		if err != nil {
			e.log.Warn("borrow failed", "link", out.Link.String(), "err", err)
			out.Skip = SkipUnclaimed
			return out
		}
		defer lease.Release()
		t.lease = lease
		t.candWrite = t.candOwn
		t.candRead = lease.Addr
		out.Borrowed = true
	}

	e.busMu.Lock()
	defer e.busMu.Unlock()
	return e.isolateTestRestore(ctx, t, st, out)
}

func (e *Engine) isolateTestRestore(ctx context.Context, t probeTarget, st *topology.State, out ProbeOutcome) ProbeOutcome {
	chip, cand := out.Link.From, out.Link.To
	log := e.log.With("link", out.Link.String())

	candDev, _ := e.ctl.Device(t.candWrite)
	currDev, _ := e.ctl.Device(t.curr)
	candDS, currUS := candDev.Config.Downstream, currDev.Config.Upstream
	var predUS grid.Mask
	if t.pred != nil {
		predDev, _ := e.ctl.Device(*t.pred)
		predUS = predDev.Config.Upstream
	}

	// Isolate and detour. Write errors here are transport failures; they
	// count as a failed probe and restoration still runs.
	err := e.ctl.SetMask(ctx, t.candWrite, bus.RegMisoDownstream, 0)
	if err == nil && t.pred != nil {
		err = e.ctl.SetMask(ctx, *t.pred, bus.RegMisoUpstream, 0)
	}
	if err == nil {
		err = e.ctl.SetMask(ctx, t.curr, bus.RegMisoUpstream, e.planner.DirectionMask(chip, cand))
	}
	if err == nil {
		err = e.ctl.SetMask(ctx, t.candWrite, bus.RegMisoDownstream, e.planner.DirectionMask(cand, chip))
	}

	if err == nil {
		out.Good, _ = e.ctl.VerifyIdentity(ctx, e.cfg.verifyOptions(), t.candRead)
		recordIdentityRead(PhaseProbe, out.Good)
	} else {
		log.Warn("probe write failed", "err", err)
	}
	if out.Good {
		st.AddGood(out.Link)
		log.Info("redundant link confirmed")
	} else {
		st.ExcludeLink(out.Link)
		log.Info("redundant link excluded")
	}
	recordLink(PhaseProbe, out.Good)

	// Restoration must run to completion even if the caller gives up.
	rctx := context.WithoutCancel(ctx)
	touched := []bus.Address{t.candOwn, t.curr}
	if t.pred != nil {
		touched = append(touched, *t.pred)
	}
	out.Restore = Degraded
	var werr error
	for round := 0; round < e.cfg.RestoreAttempts; round++ {
		out.Restores++
		// Host side first: each write must travel over already restored hops.
		werr = e.ctl.SetMask(rctx, t.curr, bus.RegMisoUpstream, currUS)
		if t.pred != nil {
			werr = errors.Join(werr, e.ctl.SetMask(rctx, *t.pred, bus.RegMisoUpstream, predUS))
		}
		werr = errors.Join(werr, e.ctl.SetMask(rctx, t.candWrite, bus.RegMisoDownstream, candDS))
		if werr != nil {
			log.Debug("restore write failed", "round", out.Restores, "err", werr)
		}
		if ok, _ := e.ctl.VerifyIdentity(rctx, e.cfg.verifyOptions(), touched...); ok {
			out.Restore = Restored
			break
		}
	}
	restoreResults.WithLabelValues(out.Restore.String()).Inc()
	if out.Restore == Degraded {
		attrs := []any{"rounds", out.Restores}
		if werr != nil {
			attrs = append(attrs, "err", werr)
		}
		log.Warn("restoration failed; chips left altered until next reset", attrs...)
	}
	return out
}
