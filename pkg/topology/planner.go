package topology

import (
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

// Planner turns root anchors and an exclusion state into daisy-chain paths.
// Implementations must be deterministic for equal inputs, must return one path
// per root in root order with the root at index 0, must never place an id on
// two paths and must never route through an excluded link or chip.
type Planner interface {
	Plan(roots []grid.ChipID, st *State) []Path
	DirectionMask(from, to grid.ChipID) grid.Mask
}

// GridPlanner grows every path one hop per round, picking the free neighbour
// with the fewest onward options (lowest id on ties).
type GridPlanner struct {
	Layout grid.Layout
}

// NewGridPlanner returns a planner for layout.
func NewGridPlanner(layout grid.Layout) *GridPlanner {
	return &GridPlanner{Layout: layout}
}

func (p *GridPlanner) DirectionMask(from, to grid.ChipID) grid.Mask {
	return p.Layout.DirectionMask(from, to)
}

func (p *GridPlanner) Plan(roots []grid.ChipID, st *State) []Path {
	if st == nil {
		st = NewState()
	}
	used := make(map[grid.ChipID]bool, p.Layout.Size())
	paths := make([]Path, len(roots))
	growing := make([]bool, len(roots))
	for i, r := range roots {
		paths[i] = Path{r}
		used[r] = true
		growing[i] = p.Layout.Valid(r) && !st.IsChipExcluded(r)
	}

	for {
		grew := false
		for i := range paths {
			if !growing[i] {
				continue
			}
			last := paths[i][len(paths[i])-1]
			next, ok := p.pick(last, used, st)
			if !ok {
				growing[i] = false
				continue
			}
			paths[i] = append(paths[i], next)
			used[next] = true
			grew = true
		}
		if !grew {
			return paths
		}
	}
}

func (p *GridPlanner) usable(from, to grid.ChipID, used map[grid.ChipID]bool, st *State) bool {
	return !used[to] && !st.IsChipExcluded(to) && !st.IsLinkExcluded(Link{From: from, To: to})
}

func (p *GridPlanner) pick(last grid.ChipID, used map[grid.ChipID]bool, st *State) (grid.ChipID, bool) {
	var best grid.ChipID
	bestScore := -1
	for _, n := range p.Layout.Neighbors(last) {
		if !p.usable(last, n, used, st) {
			continue
		}
		score := 0
		for _, m := range p.Layout.Neighbors(n) {
			if m != last && p.usable(n, m, used, st) {
				score++
			}
		}
		if bestScore < 0 || score < bestScore || (score == bestScore && n < best) {
			best, bestScore = n, score
		}
	}
	return best, bestScore >= 0
}

// Uncovered returns the valid ids of layout that lie on none of paths.
func Uncovered(layout grid.Layout, paths []Path) []grid.ChipID {
	on := make(map[grid.ChipID]bool)
	for _, p := range paths {
		for _, id := range p {
			on[id] = true
		}
	}
	var out []grid.ChipID
	for _, id := range layout.All() {
		if !on[id] {
			out = append(out, id)
		}
	}
	return out
}
