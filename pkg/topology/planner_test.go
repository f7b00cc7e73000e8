package topology

import (
	"reflect"
	"testing"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
)

func checkPlan(t *testing.T, layout grid.Layout, roots []grid.ChipID, st *State, paths []Path) {
	t.Helper()
	if len(paths) != len(roots) {
		t.Fatalf("len(paths) = %d, want %d", len(paths), len(roots))
	}
	seen := map[grid.ChipID]int{}
	for i, p := range paths {
		if len(p) == 0 || p[0] != roots[i] {
			t.Fatalf("path %d = %v, want root %d first", i, p, roots[i])
		}
		for _, id := range p {
			if prev, ok := seen[id]; ok {
				t.Fatalf("id %d on paths %d and %d", id, prev, i)
			}
			seen[id] = i
		}
		for _, l := range p.Links() {
			if st.IsLinkExcluded(l) {
				t.Fatalf("path %d uses excluded link %s", i, l)
			}
			if layout.DirectionMask(l.From, l.To) == 0 {
				t.Fatalf("path %d hop %s is not adjacent", i, l)
			}
		}
		for _, id := range p[1:] {
			if st.IsChipExcluded(id) {
				t.Fatalf("path %d uses excluded chip %d", i, id)
			}
		}
	}
}

func TestGridPlannerInvariants(t *testing.T) {
	layout := grid.DefaultLayout
	roots := layout.DefaultRoots()
	st := NewState()
	st.ExcludeLink(Link{From: 11, To: 12})
	st.ExcludeLink(Link{From: 44, To: 43})
	st.ExcludeChip(55)

	pl := NewGridPlanner(layout)
	paths := pl.Plan(roots, st)
	checkPlan(t, layout, roots, st, paths)

	again := pl.Plan(roots, st.Clone())
	if !reflect.DeepEqual(paths, again) {
		t.Fatalf("plan not deterministic:\n%v\n%v", paths, again)
	}
	for _, id := range Uncovered(layout, paths) {
		for _, p := range paths {
			if p.Contains(id) {
				t.Fatalf("Uncovered reported %d which is on %v", id, p)
			}
		}
	}
}

func TestGridPlannerAvoidsNewExclusion(t *testing.T) {
	layout := grid.Layout{Rows: 2, Cols: 3, First: 11}
	pl := NewGridPlanner(layout)
	st := NewState()
	first := pl.Plan([]grid.ChipID{11}, st)
	if len(first[0]) < 2 {
		t.Fatalf("plan = %v, want at least one hop", first)
	}
	bad := Link{From: first[0][0], To: first[0][1]}
	st.ExcludeLink(bad)
	second := pl.Plan([]grid.ChipID{11}, st)
	checkPlan(t, layout, []grid.ChipID{11}, st, second)
	if len(second[0]) > 1 && second[0][1] == bad.To {
		t.Fatalf("replanned path %v still uses %s", second[0], bad)
	}
}

func TestStateAccumulators(t *testing.T) {
	st := NewState()
	if !st.ExcludeLink(Link{From: 12, To: 13}) {
		t.Fatalf("first ExcludeLink returned false")
	}
	if st.ExcludeLink(Link{From: 12, To: 13}) {
		t.Fatalf("duplicate ExcludeLink returned true")
	}
	if st.IsLinkExcluded(Link{From: 13, To: 12}) {
		t.Fatalf("reverse direction reported excluded")
	}
	st.AddGood(Link{From: 11, To: 12})
	c := st.Clone()
	c.ExcludeChip(40)
	if st.IsChipExcluded(40) {
		t.Fatalf("Clone shares chip exclusions")
	}
	st.Merge(c)
	if !st.IsChipExcluded(40) || !st.IsGood(Link{From: 11, To: 12}) {
		t.Fatalf("Merge lost entries")
	}
	if got := st.ExcludedLinks(); len(got) != 1 || got[0] != (Link{From: 12, To: 13}) {
		t.Fatalf("ExcludedLinks() = %v", got)
	}
	p := Path{11, 12, 22}
	if got := p.Links(); len(got) != 2 || got[1] != (Link{From: 12, To: 22}) {
		t.Fatalf("Links() = %v", got)
	}
}
