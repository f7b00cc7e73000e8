package discover

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// fixedPlanner returns plans[i] on the i-th call, repeating the last one.
type fixedPlanner struct {
	layout grid.Layout
	plans  [][]topology.Path
	calls  int
}

func (p *fixedPlanner) Plan(roots []grid.ChipID, st *topology.State) []topology.Path {
	i := p.calls
	if i >= len(p.plans) {
		i = len(p.plans) - 1
	}
	p.calls++
	out := make([]topology.Path, len(p.plans[i]))
	for j, path := range p.plans[i] {
		out[j] = append(topology.Path(nil), path...)
	}
	return out
}

func (p *fixedPlanner) DirectionMask(from, to grid.ChipID) grid.Mask {
	return p.layout.DirectionMask(from, to)
}

type testBoard struct {
	sim *bus.SimTransport
	ctl *bus.Controller
	eng *Engine
}

func newBoard(t *testing.T, layout grid.Layout, roots map[int]grid.ChipID, pl topology.Planner, tune func(*Config)) *testBoard {
	t.Helper()
	sim := bus.NewSimTransport(layout, roots)
	ctl := bus.NewController(sim, nil)
	cfg := DefaultConfig()
	cfg.Layout = layout
	cfg.ProbeRedundant = false
	if tune != nil {
		tune(cfg)
	}
	eng, err := NewEngine(ctl, pl, cfg)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return &testBoard{sim: sim, ctl: ctl, eng: eng}
}

func links(pairs ...[2]grid.ChipID) []topology.Link {
	out := make([]topology.Link, len(pairs))
	for i, p := range pairs {
		out[i] = topology.Link{From: p[0], To: p[1]}
	}
	return out
}

func TestVerifyExcludesFailingHop(t *testing.T) {
	ctx := context.Background()
	pl := &fixedPlanner{layout: grid.DefaultLayout}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11}, pl, nil)
	b.sim.Break(bus.SimLink{From: 12, To: 13})

	net := NewNetwork([]ChannelSpec{{Number: 1, Root: 11}}, []topology.Path{{11, 12, 13}})
	st := topology.NewState()
	if err := b.ctl.Reset(ctx, []int{1}); err != nil {
		t.Fatal(err)
	}
	if err := b.eng.BringUp(ctx, net); err != nil {
		t.Fatalf("BringUp returned error: %v", err)
	}
	ok, err := b.eng.Verify(ctx, net, st)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if ok {
		t.Fatalf("Verify = true, want false")
	}
	if !st.IsLinkExcluded(topology.Link{From: 12, To: 13}) {
		t.Fatalf("excluded links = %v, want (12,13)", st.ExcludedLinks())
	}
	if got := st.ExcludedLinks(); len(got) != 1 {
		t.Fatalf("excluded links = %v, want exactly (12,13)", got)
	}
	if !st.IsGood(topology.Link{From: 11, To: 12}) {
		t.Fatalf("good links = %v, want (11,12)", st.GoodLinks())
	}
	if ch := net.Channels[0]; !ch.Invalid || !ch.Done {
		t.Fatalf("channel state done=%v invalid=%v, want both true", ch.Done, ch.Invalid)
	}
}

func TestRunAfterExclusionSucceeds(t *testing.T) {
	ctx := context.Background()
	pl := &fixedPlanner{layout: grid.DefaultLayout, plans: [][]topology.Path{{{11, 12, 22, 23}}}}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11}, pl, nil)
	b.sim.Break(bus.SimLink{From: 12, To: 13})

	st := topology.NewState()
	st.ExcludeLink(topology.Link{From: 12, To: 13})
	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}}, st)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !res.Verified || res.Attempts != 1 {
		t.Fatalf("Verified=%v Attempts=%d, want true,1", res.Verified, res.Attempts)
	}
	want := links([2]grid.ChipID{11, 12}, [2]grid.ChipID{12, 22}, [2]grid.ChipID{22, 23})
	if got := st.GoodLinks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("good links = %v, want %v", got, want)
	}
}

func TestRunReplansAfterFailure(t *testing.T) {
	ctx := context.Background()
	pl := &fixedPlanner{layout: grid.DefaultLayout, plans: [][]topology.Path{
		{{11, 12, 13}},
		{{11, 12, 22, 23}},
	}}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11}, pl, nil)
	b.sim.Break(bus.SimLink{From: 12, To: 13})

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Attempts)
	}
	if got := res.State.ExcludedLinks(); !reflect.DeepEqual(got, links([2]grid.ChipID{12, 13})) {
		t.Fatalf("excluded = %v, want [(12,13)]", got)
	}
	// Root probe reset, then one reset per attempt.
	if _, resets := b.sim.ResetCounts(); resets != 3 {
		t.Fatalf("hard resets = %d, want 3", resets)
	}
	if got := res.Network.Paths()[0]; !reflect.DeepEqual(got, topology.Path{11, 12, 22, 23}) {
		t.Fatalf("final chain = %v", got)
	}
}

func TestVerifyIdempotentWhenAllHopsKnown(t *testing.T) {
	ctx := context.Background()
	pl := &fixedPlanner{layout: grid.DefaultLayout, plans: [][]topology.Path{{{11, 12, 22, 23}, {41, 42, 43}}}}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11, 2: 41}, pl, nil)

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}, {Number: 2, Root: 41}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	_, before, _ := b.sim.Counts()
	ok, err := b.eng.Verify(ctx, res.Network, res.State)
	if err != nil || !ok {
		t.Fatalf("Verify = %v,%v, want true,nil", ok, err)
	}
	if _, after, _ := b.sim.Counts(); after != before {
		t.Fatalf("identity reads = %d, want 0", after-before)
	}
}

func TestRunTerminatesWithinEdgeBound(t *testing.T) {
	ctx := context.Background()
	layout := grid.Layout{Rows: 3, Cols: 4, First: 11}
	broken := []bus.SimLink{{From: 11, To: 12}, {From: 15, To: 19}, {From: 16, To: 17}, {From: 20, To: 21}}
	b := newBoard(t, layout, map[int]grid.ChipID{1: 11}, topology.NewGridPlanner(layout), func(c *Config) {
		c.MaxAttempts = layout.DirectedEdges() + 1
	})
	b.sim.Break(broken...)

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !res.Verified {
		t.Fatalf("run not verified")
	}
	excluded := res.State.ExcludedLinks()
	if len(excluded) != res.Attempts-1 {
		t.Fatalf("excluded %d links over %d attempts, want one per failed attempt", len(excluded), res.Attempts)
	}
	isBroken := map[topology.Link]bool{}
	for _, l := range broken {
		isBroken[topology.Link{From: l.From, To: l.To}] = true
	}
	for _, l := range excluded {
		if !isBroken[l] {
			t.Fatalf("healthy link %s excluded", l)
		}
	}
}

func TestRunAttemptCap(t *testing.T) {
	ctx := context.Background()
	pl := &fixedPlanner{layout: grid.DefaultLayout, plans: [][]topology.Path{{{11, 12, 13}}}}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11}, pl, func(c *Config) {
		c.MaxAttempts = 2
	})
	b.sim.Break(bus.SimLink{From: 12, To: 13})

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}}, nil)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Run error = %v, want ErrAttemptsExhausted", err)
	}
	if res == nil || res.Attempts != 2 || res.Verified {
		t.Fatalf("result = %+v, want 2 unverified attempts", res)
	}
}

func TestRunDropsDeadRoot(t *testing.T) {
	ctx := context.Background()
	layout := grid.Layout{Rows: 4, Cols: 3, First: 11}
	b := newBoard(t, layout, map[int]grid.ChipID{1: 11, 2: 20}, topology.NewGridPlanner(layout), nil)
	b.sim.Dead[20] = true

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}, {Number: 2, Root: 20}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(res.Channels) != 1 || res.Channels[0].Number != 1 {
		t.Fatalf("channels = %+v, want only channel 1", res.Channels)
	}
	for _, p := range res.Network.Paths() {
		if p.Contains(20) {
			t.Fatalf("dead root planned on %v", p)
		}
	}

	b.sim.Dead[11] = true
	if _, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}, {Number: 2, Root: 20}}, nil); !errors.Is(err, ErrNoRoots) {
		t.Fatalf("Run error = %v, want ErrNoRoots", err)
	}
}

func TestRunEndToEndWithProbing(t *testing.T) {
	ctx := context.Background()
	layout := grid.Layout{Rows: 4, Cols: 10, First: 11}
	roots := map[int]grid.ChipID{1: 11, 2: 41}
	progress := make(chan Progress, 4096)
	b := newBoard(t, layout, roots, topology.NewGridPlanner(layout), func(c *Config) {
		c.ProbeRedundant = true
	})
	b.eng.progress = progress
	b.sim.Break(bus.SimLink{From: 12, To: 13}, bus.SimLink{From: 25, To: 35}, bus.SimLink{From: 35, To: 25})

	res, err := b.eng.Run(ctx, []ChannelSpec{{Number: 1, Root: 11}, {Number: 2, Root: 41}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	close(progress)
	var last Progress
	for p := range progress {
		last = p
	}
	if last.Phase != PhaseDone {
		t.Fatalf("last progress phase = %q, want %q", last.Phase, PhaseDone)
	}

	sum := res.Summary()
	if len(sum.Degraded) != 0 {
		t.Fatalf("degraded restorations: %v", sum.Degraded)
	}
	if sum.TestedLinks != sum.GoodLinks+len(sum.ExcludedLinks) {
		t.Fatalf("TestedLinks = %d, want good+excluded", sum.TestedLinks)
	}
	for _, p := range res.Probes {
		if !p.Attempted {
			t.Fatalf("probe of %d not attempted", p.Chip)
		}
	}
	for _, l := range sum.ExcludedLinks {
		if !b.sim.Broken[bus.SimLink{From: l.From, To: l.To}] {
			t.Fatalf("healthy link %s excluded", l)
		}
	}
	// Every live entry matches the chip it describes.
	for _, dev := range b.ctl.Devices() {
		phys, _ := b.sim.Chip(dev.Addr.Chip)
		if phys != dev.Config {
			t.Fatalf("chip %d physical %+v, live %+v", dev.Addr.Chip, phys, dev.Config)
		}
	}
	covered := 0
	for _, p := range res.Network.Paths() {
		covered += len(p)
	}
	if covered+len(res.Untested) != layout.Size() {
		t.Fatalf("covered %d + untested %d != %d chips", covered, len(res.Untested), layout.Size())
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyRetries = 0
	cfg.RestoreAttempts = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.VerifyRetries != 3 || cfg.RestoreAttempts != 1 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	cfg.ClockCtrl = 9
	if err := cfg.Validate(); err == nil {
		t.Fatalf("invalid clock control accepted")
	}
	cfg = DefaultConfig()
	cfg.MaxAttempts = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("negative attempt cap accepted")
	}
}
