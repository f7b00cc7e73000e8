package discover

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// snakeBoard brings up 11-12-22-21-31-32 on channel 1 and 41-42 on channel 2.
func snakeBoard(t *testing.T) (*testBoard, *Result) {
	t.Helper()
	pl := &fixedPlanner{layout: grid.DefaultLayout, plans: [][]topology.Path{{
		{11, 12, 22, 21, 31, 32},
		{41, 42},
	}}}
	b := newBoard(t, grid.DefaultLayout, map[int]grid.ChipID{1: 11, 2: 41}, pl, nil)
	res, err := b.eng.Run(context.Background(), []ChannelSpec{{Number: 1, Root: 11}, {Number: 2, Root: 41}}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return b, res
}

func outcomeFor(t *testing.T, rep ProbeReport, cand grid.ChipID) ProbeOutcome {
	t.Helper()
	for _, o := range rep.Outcomes {
		if o.Link.To == cand {
			return o
		}
	}
	t.Fatalf("no outcome for candidate %d in %+v", cand, rep.Outcomes)
	return ProbeOutcome{}
}

func TestProbeSkipsKnownGoodLink(t *testing.T) {
	b, res := snakeBoard(t)
	ctx := context.Background()
	ch := res.Network.Channels[0]
	res.State.AddGood(topology.Link{From: 22, To: 32})

	before := b.sim.Snapshot()
	live := b.ctl.Devices()
	reads, _, writes := b.sim.Counts()

	rep := b.eng.ProbeChip(ctx, res.Network, ch, 2, res.State)
	if !rep.Attempted || rep.Chip != 22 {
		t.Fatalf("report = %+v, want attempted probe of 22", rep)
	}
	o := outcomeFor(t, rep, 32)
	if o.Skip != SkipKnownGood || o.Restore != RestoreNone || o.Restores != 0 {
		t.Fatalf("outcome for 32 = %+v, want known-good skip without restore", o)
	}
	if o := outcomeFor(t, rep, 23); o.Skip != SkipUnclaimed {
		t.Fatalf("outcome for 23 = %v, want unclaimed", o.Skip)
	}
	for _, cand := range []grid.ChipID{12, 21} {
		if o := outcomeFor(t, rep, cand); o.Skip != SkipPathNeighbor {
			t.Fatalf("outcome for %d = %v, want path-neighbor", cand, o.Skip)
		}
	}
	if r, _, w := b.sim.Counts(); r != reads || w != writes {
		t.Fatalf("bus traffic during skipped probe: %d reads, %d writes", r-reads, w-writes)
	}
	if !reflect.DeepEqual(before, b.sim.Snapshot()) {
		t.Fatalf("physical state changed")
	}
	if !reflect.DeepEqual(live, b.ctl.Devices()) {
		t.Fatalf("live network changed")
	}
}

func TestProbeLeavesUntouchedChipsIdentical(t *testing.T) {
	tests := []struct {
		name   string
		broken bool
	}{
		{"good link", false},
		{"broken link", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, res := snakeBoard(t)
			ctx := context.Background()
			if tt.broken {
				b.sim.Break(bus.SimLink{From: 11, To: 21})
			}
			before := b.sim.Snapshot()

			rep := b.eng.ProbeChip(ctx, res.Network, res.Network.Channels[0], 0, res.State)
			o := outcomeFor(t, rep, 21)
			if o.Skip != NotSkipped {
				t.Fatalf("candidate 21 skipped: %v", o.Skip)
			}
			if o.Good == tt.broken {
				t.Fatalf("Good = %v, want %v", o.Good, !tt.broken)
			}
			link := topology.Link{From: 11, To: 21}
			if tt.broken != res.State.IsLinkExcluded(link) || tt.broken == res.State.IsGood(link) {
				t.Fatalf("link %s recorded wrongly (good=%v excluded=%v)", link, res.State.IsGood(link), res.State.IsLinkExcluded(link))
			}
			if o.Restore != Restored || o.Restores != 1 {
				t.Fatalf("restore = %v after %d rounds, want restored after 1", o.Restore, o.Restores)
			}

			after := b.sim.Snapshot()
			touched := map[grid.ChipID]bool{11: true, 21: true, 22: true}
			for id, cfg := range before {
				if touched[id] {
					continue
				}
				if after[id] != cfg {
					t.Fatalf("untouched chip %d changed: %+v -> %+v", id, cfg, after[id])
				}
			}
			for id := range touched {
				if after[id] != before[id] {
					t.Fatalf("touched chip %d not restored: %+v -> %+v", id, before[id], after[id])
				}
			}
		})
	}
}

func TestProbeBorrowsOtherChannel(t *testing.T) {
	b, res := snakeBoard(t)
	ctx := context.Background()
	before := b.sim.Snapshot()

	// 31 sits directly above 41, the root of channel 2.
	rep := b.eng.ProbeChip(ctx, res.Network, res.Network.Channels[0], 4, res.State)
	o := outcomeFor(t, rep, 41)
	if !o.Borrowed || !o.Good || o.Restore != Restored {
		t.Fatalf("outcome for 41 = %+v, want borrowed good restored", o)
	}
	if _, ok := b.ctl.Device(bus.Address{Channel: 1, Chip: 41}); ok {
		t.Fatalf("borrowed entry not released")
	}
	if owner, ok := b.ctl.Owner(41); !ok || owner.Channel != 2 {
		t.Fatalf("Owner(41) = %v,%v, want channel 2", owner, ok)
	}
	if !reflect.DeepEqual(before, b.sim.Snapshot()) {
		t.Fatalf("physical state differs after restored probe")
	}
}

func TestProbeDegradedRestore(t *testing.T) {
	b, res := snakeBoard(t)
	ctx := context.Background()
	b.sim.OnRead = func(addr bus.Address, reg bus.Register) error {
		if addr.Chip == 22 {
			return errors.New("stuck")
		}
		return nil
	}

	rep := b.eng.ProbeChip(ctx, res.Network, res.Network.Channels[0], 0, res.State)
	o := outcomeFor(t, rep, 21)
	if !o.Good {
		t.Fatalf("probe of (11,21) failed; hook should only affect restore reads")
	}
	if o.Restore != Degraded || o.Restores != 3 {
		t.Fatalf("restore = %v after %d rounds, want degraded after 3", o.Restore, o.Restores)
	}
	if got := rep.Degraded(); len(got) != 1 || got[0].Link != o.Link {
		t.Fatalf("Degraded() = %+v", got)
	}
}

func TestProbeLogsFailedRestoreWrites(t *testing.T) {
	b, res := snakeBoard(t)
	var logs bytes.Buffer
	b.eng.log = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the write putting 11's upstream back toward 12 fails.
	restoreUS := grid.MaskOf(grid.East)
	b.sim.OnWrite = func(addr bus.Address, reg bus.Register, value uint8) error {
		if addr.Chip == 11 && reg == bus.RegMisoUpstream && grid.Mask(value) == restoreUS {
			return errors.New("stuck")
		}
		return nil
	}

	rep := b.eng.ProbeChip(context.Background(), res.Network, res.Network.Channels[0], 0, res.State)
	o := outcomeFor(t, rep, 21)
	if !o.Good {
		t.Fatalf("link (11,21) excluded; only restore writes should fail")
	}
	if o.Restore != Degraded || o.Restores != 3 {
		t.Fatalf("restore = %v after %d rounds, want degraded after 3", o.Restore, o.Restores)
	}
	out := logs.String()
	if got := strings.Count(out, "restore write failed"); got != 3 {
		t.Fatalf("restore write failures logged %d times, want 3\n%s", got, out)
	}
	if !strings.Contains(out, "stuck") {
		t.Fatalf("log lacks the transport error:\n%s", out)
	}
}

func TestProbeNotAttemptedOnInvalidChannel(t *testing.T) {
	b, res := snakeBoard(t)
	ch := res.Network.Channels[1]
	ch.Invalid = true
	rep := b.eng.ProbeChip(context.Background(), res.Network, ch, 0, res.State)
	if rep.Attempted {
		t.Fatalf("probe attempted on invalid channel")
	}
	if rep := b.eng.ProbeChip(context.Background(), res.Network, ch, 9, res.State); rep.Attempted {
		t.Fatalf("probe attempted past the chain end")
	}
}
