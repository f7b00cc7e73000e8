package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

func newTestBoard() (*SimTransport, *Controller) {
	sim := NewSimTransport(grid.DefaultLayout, map[int]grid.ChipID{1: 11, 2: 41})
	return sim, NewController(sim, nil)
}

func TestClaimRenamesPlaceholder(t *testing.T) {
	sim, ctl := newTestBoard()
	ctx := context.Background()

	if err := ctl.Claim(ctx, 1, 11); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if _, ok := ctl.Device(Address{Channel: 1, Chip: grid.Placeholder}); ok {
		t.Fatalf("placeholder entry left in live table")
	}
	dev, ok := ctl.Device(Address{Channel: 1, Chip: 11})
	if !ok || dev.Config.ChipID != 11 {
		t.Fatalf("live entry = %+v,%v, want chip 11", dev, ok)
	}
	phys, _ := sim.Chip(11)
	if phys.ChipID != 11 {
		t.Fatalf("physical chip id = %d, want 11", phys.ChipID)
	}
	if err := ctl.Claim(ctx, 1, 11); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("second Claim error = %v, want ErrDeviceExists", err)
	}
	var ce *ClaimError
	if err := ctl.Claim(ctx, 1, 11); !errors.As(err, &ce) || ce.State != ClaimReleased {
		t.Fatalf("second Claim error = %v, want ClaimError in Released", err)
	}
}

func TestClaimRejectsIDOutsideRegister(t *testing.T) {
	sim, ctl := newTestBoard()
	ctx := context.Background()

	for _, id := range []grid.ChipID{grid.Placeholder, 256, 257} {
		if err := ctl.Claim(ctx, 1, id); err == nil {
			t.Fatalf("Claim(%d) returned nil error", id)
		}
	}
	if _, _, writes := sim.Counts(); writes != 0 {
		t.Fatalf("writes = %d, want 0", writes)
	}
	if got := len(ctl.Devices()); got != 0 {
		t.Fatalf("live table holds %d devices, want 0", got)
	}
}

func TestClaimRollsBackOnWriteFailure(t *testing.T) {
	sim, ctl := newTestBoard()
	stuck := errors.New("stuck")
	sim.OnWrite = func(addr Address, reg Register, value uint8) error {
		return stuck
	}

	err := ctl.Claim(context.Background(), 1, 11)
	if !errors.Is(err, stuck) {
		t.Fatalf("Claim error = %v, want %v", err, stuck)
	}
	if _, ok := ctl.Device(Address{Channel: 1, Chip: grid.Placeholder}); ok {
		t.Fatalf("placeholder entry left in live table after failed rename")
	}
	sim.OnWrite = nil
	if err := ctl.Claim(context.Background(), 1, 11); err != nil {
		t.Fatalf("Claim after rollback returned error: %v", err)
	}
}

func TestVerifyIdentityFollowsMasks(t *testing.T) {
	_, ctl := newTestBoard()
	ctx := context.Background()
	root := Address{Channel: 1, Chip: 11}
	next := Address{Channel: 1, Chip: 12}
	opts := VerifyOptions{Retries: 1}

	if err := ctl.Claim(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ctl.VerifyIdentity(ctx, opts, root); ok {
		t.Fatalf("root answered without a host port enabled")
	}
	if err := ctl.SetMask(ctx, root, RegMisoDownstream, grid.HostMask); err != nil {
		t.Fatal(err)
	}
	if ok, diffs := ctl.VerifyIdentity(ctx, opts, root); !ok {
		t.Fatalf("root verify failed: %v", diffs)
	}

	if err := ctl.SetMask(ctx, root, RegMisoUpstream, grid.MaskOf(grid.East)); err != nil {
		t.Fatal(err)
	}
	if err := ctl.Claim(ctx, 1, 12); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ctl.VerifyIdentity(ctx, opts, next); ok {
		t.Fatalf("chip 12 answered without a downstream port")
	}
	if err := ctl.SetMask(ctx, next, RegMisoDownstream, grid.MaskOf(grid.West)); err != nil {
		t.Fatal(err)
	}
	if ok, diffs := ctl.VerifyIdentity(ctx, opts, next); !ok {
		t.Fatalf("chip 12 verify failed: %v", diffs)
	}
}

func TestBrokenLinkIsDirectional(t *testing.T) {
	sim, ctl := newTestBoard()
	ctx := context.Background()
	sim.Break(SimLink{From: 11, To: 12})

	root := Address{Channel: 1, Chip: 11}
	if err := ctl.Claim(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	ctl.SetMask(ctx, root, RegMisoDownstream, grid.HostMask)
	ctl.SetMask(ctx, root, RegMisoUpstream, grid.MaskOf(grid.East))
	if err := ctl.Claim(ctx, 1, 12); err != nil {
		t.Fatal(err)
	}
	if phys, _ := sim.Chip(12); phys.ChipID != grid.Placeholder {
		t.Fatalf("chip 12 renamed across a broken link: id %d", phys.ChipID)
	}

	// The same pair works when 12 is the host-side chip.
	sim2, ctl2 := newTestBoard()
	sim2.Break(SimLink{From: 11, To: 12})
	sim2.Roots[1] = 12
	if err := ctl2.Claim(ctx, 1, 12); err != nil {
		t.Fatal(err)
	}
	a12 := Address{Channel: 1, Chip: 12}
	ctl2.SetMask(ctx, a12, RegMisoUpstream, grid.MaskOf(grid.West))
	if err := ctl2.Claim(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	if phys, _ := sim2.Chip(11); phys.ChipID != 11 {
		t.Fatalf("chip 11 id = %d, want 11", phys.ChipID)
	}
}

func TestBorrowRelease(t *testing.T) {
	_, ctl := newTestBoard()
	ctx := context.Background()
	if err := ctl.Claim(ctx, 2, 41); err != nil {
		t.Fatal(err)
	}
	origin := Address{Channel: 2, Chip: 41}
	ctl.SetMask(ctx, origin, RegMisoDownstream, grid.HostMask)

	lease, err := ctl.Borrow(origin, 1)
	if err != nil {
		t.Fatalf("Borrow returned error: %v", err)
	}
	dev, ok := ctl.Device(lease.Addr)
	if !ok || dev.BorrowedFrom == nil || *dev.BorrowedFrom != origin {
		t.Fatalf("borrowed entry = %+v, want tag %s", dev, origin)
	}
	if dev.Config != mustDevice(t, ctl, origin).Config {
		t.Fatalf("borrowed config differs from origin")
	}
	if owner, ok := ctl.Owner(41); !ok || owner != origin {
		t.Fatalf("Owner(41) = %s,%v, want %s", owner, ok, origin)
	}
	if err := lease.Release(); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctl.Device(lease.Addr); ok {
		t.Fatalf("lease entry still present after Release")
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("second Release = %v, want nil", err)
	}
	if _, err := ctl.Borrow(Address{Channel: 2, Chip: 99}, 1); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Borrow of unknown device error = %v", err)
	}
}

func TestResetClearsLiveTable(t *testing.T) {
	sim, ctl := newTestBoard()
	ctx := context.Background()
	if err := ctl.Claim(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	if err := ctl.SetClockRatio(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := ctl.Reset(ctx, []int{1, 2}); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if n := len(ctl.Devices()); n != 0 {
		t.Fatalf("live table has %d entries after reset", n)
	}
	if phys, _ := sim.Chip(11); phys.ChipID != grid.Placeholder {
		t.Fatalf("chip 11 id = %d after reset, want placeholder", phys.ChipID)
	}
	if got := sim.ChannelRatio(1); got != 2 {
		t.Fatalf("channel ratio = %d, want 2", got)
	}
	if p, r := sim.ResetCounts(); p != 1 || r != 1 {
		t.Fatalf("ResetCounts() = %d,%d, want 1,1", p, r)
	}
	if _, err := ClockRatio(7); err == nil {
		t.Fatalf("ClockRatio(7) returned nil error")
	}
}

func mustDevice(t *testing.T, ctl *Controller, addr Address) Device {
	t.Helper()
	dev, ok := ctl.Device(addr)
	if !ok {
		t.Fatalf("no device %s", addr)
	}
	return dev
}
