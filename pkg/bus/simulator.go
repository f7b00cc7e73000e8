package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// SimLink is an ordered chip pair; a broken SimLink stops the host-side chip
// From from relaying to or hearing from To.
type SimLink struct {
	From, To grid.ChipID
}

// ReadHook lets tests fail or observe individual reads. A non-nil error makes
// the read fail with that error.
type ReadHook func(addr Address, reg Register) error

// WriteHook lets tests fail individual writes before they reach the board.
type WriteHook func(addr Address, reg Register, value uint8) error

// SimTransport models a hydra board in memory. Commands enter a channel at its
// wired root, are accepted by every reachable chip and relayed outward through
// upstream ports. Replies travel back through downstream ports and must leave
// the root through its host port.
type SimTransport struct {
	Layout grid.Layout
	// Roots maps each channel to the chip wired to it.
	Roots map[int]grid.ChipID
	// Broken holds directed links that never carry traffic.
	Broken map[SimLink]bool
	// Dead chips neither accept commands nor reply.
	Dead map[grid.ChipID]bool

	OnRead  ReadHook
	OnWrite WriteHook

	mu       sync.Mutex
	chips    map[grid.ChipID]*Config
	ratios   map[int]int
	reads    int
	idReads  int
	writes   int
	resets   int
	powerUps int
}

// NewSimTransport builds a board with every chip in its reset state.
func NewSimTransport(layout grid.Layout, roots map[int]grid.ChipID) *SimTransport {
	s := &SimTransport{
		Layout: layout,
		Roots:  roots,
		Broken: make(map[SimLink]bool),
		Dead:   make(map[grid.ChipID]bool),
	}
	s.reset()
	return s
}

// Break marks the directed links as broken.
func (s *SimTransport) Break(links ...SimLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.Broken[l] = true
	}
}

func (s *SimTransport) reset() {
	s.chips = make(map[grid.ChipID]*Config, s.Layout.Size())
	for _, id := range s.Layout.All() {
		cfg := ResetConfig()
		s.chips[id] = &cfg
	}
	s.ratios = make(map[int]int, len(s.Roots))
	for ch := range s.Roots {
		s.ratios[ch] = ClockRatios[0]
	}
}

// Chip returns the physical register state of id.
func (s *SimTransport) Chip(id grid.ChipID) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.chips[id]
	if !ok {
		return Config{}, false
	}
	return *cfg, true
}

// Snapshot copies the physical register state of every chip.
func (s *SimTransport) Snapshot() map[grid.ChipID]Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[grid.ChipID]Config, len(s.chips))
	for id, cfg := range s.chips {
		out[id] = *cfg
	}
	return out
}

// Counts reports total reads, identity-register reads and writes.
func (s *SimTransport) Counts() (reads, identityReads, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.idReads, s.writes
}

// ResetCounts reports power-ups and hard resets.
func (s *SimTransport) ResetCounts() (powerUps, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerUps, s.resets
}

// ChannelRatio returns the current UART clock ratio of channel.
func (s *SimTransport) ChannelRatio(channel int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratios[channel]
}

func (s *SimTransport) WriteRegister(ctx context.Context, addr Address, reg Register, value uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.OnWrite
	s.mu.Unlock()
	if hook != nil {
		if err := hook(addr, reg, value); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Roots[addr.Channel]; !ok {
		return fmt.Errorf("bus: sim: no channel %d", addr.Channel)
	}
	s.writes++
	for _, id := range s.reached(addr.Channel) {
		cfg := s.chips[id]
		if cfg.ChipID != addr.Chip {
			continue
		}
		if err := cfg.Set(reg, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimTransport) ReadRegister(ctx context.Context, addr Address, reg Register) (uint8, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.reads++
	if reg == RegChipID {
		s.idReads++
	}
	hook := s.OnRead
	s.mu.Unlock()

	if hook != nil {
		if err := hook(addr, reg); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var target grid.ChipID
	matches := 0
	for _, id := range s.reached(addr.Channel) {
		if s.chips[id].ChipID == addr.Chip {
			target = id
			matches++
		}
	}
	if matches != 1 || !s.replies(addr.Channel, target) {
		return 0, ErrNoResponse
	}
	v, _ := s.chips[target].Value(reg)
	return v, nil
}

// listening reports whether id is alive and clocked at the channel ratio.
func (s *SimTransport) listening(channel int, id grid.ChipID) bool {
	if s.Dead[id] {
		return false
	}
	return ClockRatios[s.chips[id].ClockCtrl] == s.ratios[channel]
}

// reached returns the chips a command on channel arrives at, in visit order.
func (s *SimTransport) reached(channel int) []grid.ChipID {
	root, ok := s.Roots[channel]
	if !ok || !s.listening(channel, root) {
		return nil
	}
	seen := map[grid.ChipID]bool{root: true}
	queue := []grid.ChipID{root}
	for i := 0; i < len(queue); i++ {
		cur := queue[i]
		for _, d := range s.chips[cur].Upstream.Ports() {
			next, ok := s.Layout.Neighbor(cur, d)
			if !ok || seen[next] || s.Broken[SimLink{From: cur, To: next}] {
				continue
			}
			if !s.listening(channel, next) {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return queue
}

// replies reports whether a reply from id can travel back to the host.
func (s *SimTransport) replies(channel int, id grid.ChipID) bool {
	root := s.Roots[channel]
	seen := map[grid.ChipID]bool{}
	var walk func(cur grid.ChipID) bool
	walk = func(cur grid.ChipID) bool {
		if seen[cur] {
			return false
		}
		seen[cur] = true
		ds := s.chips[cur].Downstream
		if cur == root && ds.Has(grid.HostDirection) {
			return true
		}
		for _, d := range ds.Ports() {
			prev, ok := s.Layout.Neighbor(cur, d)
			if !ok || s.Broken[SimLink{From: prev, To: cur}] || !s.listening(channel, prev) {
				continue
			}
			if !s.chips[prev].Upstream.Has(d.Opposite()) {
				continue
			}
			if walk(prev) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

func (s *SimTransport) PowerUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.powerUps++
	s.mu.Unlock()
	return nil
}

func (s *SimTransport) HardReset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.reset()
	return nil
}

func (s *SimTransport) SetClockRatio(ctx context.Context, channel int, ratio int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Roots[channel]; !ok {
		return fmt.Errorf("bus: sim: no channel %d", channel)
	}
	s.ratios[channel] = ratio
	return nil
}

func (s *SimTransport) Close() error { return nil }
