package discover

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// Result is the outcome of a complete discovery run.
type Result struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	// Channels lists the channels whose root answered.
	Channels []ChannelSpec
	// Network holds the last brought-up chains; verified when Verified is set.
	Network  *Network
	Verified bool
	State    *topology.State
	Attempts int
	Probes   []ProbeReport
	// Untested lists chips no probe could run from plus chips on no chain.
	Untested []grid.ChipID
}

// Summary is the operator-facing digest of a run.
type Summary struct {
	Untested      []grid.ChipID
	ExcludedLinks []topology.Link
	ExcludedChips []grid.ChipID
	GoodLinks     int
	TestedLinks   int
	Degraded      []topology.Link
}

// Summary condenses r.
func (r *Result) Summary() Summary {
	s := Summary{Untested: r.Untested}
	if r.State != nil {
		s.ExcludedLinks = r.State.ExcludedLinks()
		s.ExcludedChips = r.State.ExcludedChips()
		s.GoodLinks = len(r.State.GoodLinks())
		s.TestedLinks = s.GoodLinks + len(s.ExcludedLinks)
	}
	for _, p := range r.Probes {
		for _, o := range p.Degraded() {
			s.Degraded = append(s.Degraded, o.Link)
		}
	}
	return s
}

// Run performs root probing, repeated bring-up and verification until every
// channel verifies, then probing. st seeds the run with earlier exclusions and
// is updated in place; nil starts empty. When the attempt cap is hit the
// partial result is returned together with ErrAttemptsExhausted.
func (e *Engine) Run(ctx context.Context, specs []ChannelSpec, st *topology.State) (res *Result, err error) {
	ctx, span := startSpan(ctx, "Engine.Run", attribute.Int("channels", len(specs)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if st == nil {
		st = topology.NewState()
	}
	res = &Result{RunID: uuid.NewString(), Started: time.Now(), State: st, Channels: specs}
	defer func() {
		res.Finished = time.Now()
		runDuration.Observe(res.Finished.Sub(res.Started).Seconds())
	}()

	numbers := channelNumbers(specs)
	if e.cfg.ProbeRoots {
		if err := e.ctl.Reset(ctx, numbers); err != nil {
			return res, err
		}
		good, err := e.ProbeRoots(ctx, specs)
		if err != nil {
			return res, err
		}
		res.Channels = good
		numbers = channelNumbers(good)
	}
	if len(res.Channels) == 0 {
		return res, ErrNoRoots
	}
	roots := make([]grid.ChipID, len(res.Channels))
	for i, s := range res.Channels {
		roots[i] = s.Root
	}

	for {
		if e.cfg.MaxAttempts > 0 && res.Attempts >= e.cfg.MaxAttempts {
			return res, fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, res.Attempts)
		}
		res.Attempts++
		if res.Attempts > 1 {
			replans.Inc()
		}
		if err := e.ctl.Reset(ctx, numbers); err != nil {
			return res, err
		}

		paths := e.planner.Plan(roots, st)
		res.Network = NewNetwork(res.Channels, paths)
		e.log.Info("bring-up attempt", "attempt", res.Attempts, "chips", countChips(paths))
		e.report(Progress{Phase: PhaseBringUp, Attempt: res.Attempts}, st)

		if err := e.BringUp(ctx, res.Network); err != nil {
			return res, err
		}
		ok, err := e.Verify(ctx, res.Network, st)
		if err != nil {
			return res, err
		}
		if ok {
			res.Verified = true
			break
		}
		e.log.Warn("verification failed; replanning", "attempt", res.Attempts, "excluded", len(st.ExcludedLinks()))
	}
	span.SetAttributes(attribute.Int("run.attempts", res.Attempts))

	var untested []grid.ChipID
	if e.cfg.ProbeRedundant {
		for _, ch := range res.Network.Channels {
			for ich := range ch.Discovered {
				rep := e.ProbeChip(ctx, res.Network, ch, ich, st)
				res.Probes = append(res.Probes, rep)
				if !rep.Attempted {
					untested = append(untested, rep.Chip)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	untested = append(untested, topology.Uncovered(e.cfg.Layout, res.Network.Paths())...)
	sort.Slice(untested, func(i, j int) bool { return untested[i] < untested[j] })
	res.Untested = untested

	sum := res.Summary()
	e.log.Info("discovery finished",
		"attempts", res.Attempts,
		"untested", len(sum.Untested),
		"excluded_links", len(sum.ExcludedLinks),
		"tested_links", sum.TestedLinks,
	)
	e.report(Progress{Phase: PhaseDone, Attempt: res.Attempts}, st)
	return res, nil
}

func channelNumbers(specs []ChannelSpec) []int {
	out := make([]int, len(specs))
	for i, s := range specs {
		out[i] = s.Number
	}
	return out
}

func countChips(paths []topology.Path) int {
	n := 0
	for _, p := range paths {
		n += len(p)
	}
	return n
}
