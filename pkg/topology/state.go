package topology

import (
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Link is a directed pair: From relays toward To.
type Link struct {
	From grid.ChipID
	To   grid.ChipID
}

func (l Link) String() string {
	return fmt.Sprintf("(%d,%d)", l.From, l.To)
}

// Reverse returns the opposite direction of l.
func (l Link) Reverse() Link {
	return Link{From: l.To, To: l.From}
}

// Path is an ordered chip sequence starting at a root anchor.
type Path []grid.ChipID

// Links returns the consecutive directed hops of p.
func (p Path) Links() []Link {
	if len(p) < 2 {
		return nil
	}
	out := make([]Link, 0, len(p)-1)
	for i := 1; i < len(p); i++ {
		out = append(out, Link{From: p[i-1], To: p[i]})
	}
	return out
}

// Index returns the position of id in p or -1.
func (p Path) Index(id grid.ChipID) int {
	for i, c := range p {
		if c == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is on p.
func (p Path) Contains(id grid.ChipID) bool {
	return p.Index(id) >= 0
}

// State carries the exclusion and confirmation accumulators of one discovery
// run. Exclusions only grow.
type State struct {
	excludedLinks map[Link]struct{}
	excludedChips map[grid.ChipID]struct{}
	good          map[Link]struct{}
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		excludedLinks: make(map[Link]struct{}),
		excludedChips: make(map[grid.ChipID]struct{}),
		good:          make(map[Link]struct{}),
	}
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := NewState()
	for l := range s.excludedLinks {
		c.excludedLinks[l] = struct{}{}
	}
	for id := range s.excludedChips {
		c.excludedChips[id] = struct{}{}
	}
	for l := range s.good {
		c.good[l] = struct{}{}
	}
	return c
}

// ExcludeLink records a one-directional failure. It reports whether the link
// was new.
func (s *State) ExcludeLink(l Link) bool {
	if _, ok := s.excludedLinks[l]; ok {
		return false
	}
	s.excludedLinks[l] = struct{}{}
	return true
}

// ExcludeChip records an unusable chip.
func (s *State) ExcludeChip(id grid.ChipID) bool {
	if _, ok := s.excludedChips[id]; ok {
		return false
	}
	s.excludedChips[id] = struct{}{}
	return true
}

// AddGood records a confirmed link.
func (s *State) AddGood(l Link) {
	s.good[l] = struct{}{}
}

func (s *State) IsGood(l Link) bool {
	_, ok := s.good[l]
	return ok
}

func (s *State) IsLinkExcluded(l Link) bool {
	_, ok := s.excludedLinks[l]
	return ok
}

func (s *State) IsChipExcluded(id grid.ChipID) bool {
	_, ok := s.excludedChips[id]
	return ok
}

// ExcludedLinks returns the excluded links in ascending order.
func (s *State) ExcludedLinks() []Link {
	return sortedLinks(s.excludedLinks)
}

// GoodLinks returns the confirmed links in ascending order.
func (s *State) GoodLinks() []Link {
	return sortedLinks(s.good)
}

// ExcludedChips returns the excluded chips in ascending order.
func (s *State) ExcludedChips() []grid.ChipID {
	out := make([]grid.ChipID, 0, len(s.excludedChips))
	for id := range s.excludedChips {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge adds every exclusion and confirmation of o to s.
func (s *State) Merge(o *State) {
	for l := range o.excludedLinks {
		s.excludedLinks[l] = struct{}{}
	}
	for id := range o.excludedChips {
		s.excludedChips[id] = struct{}{}
	}
	for l := range o.good {
		s.good[l] = struct{}{}
	}
}

func sortedLinks(m map[Link]struct{}) []Link {
	out := make([]Link, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
