package grid

import "testing"

func TestDirectionMaskReciprocal(t *testing.T) {
	l := DefaultLayout
	for _, id := range l.All() {
		for _, n := range l.Neighbors(id) {
			fwd := l.DirectionMask(id, n)
			back := l.DirectionMask(n, id)
			if fwd == 0 || back == 0 {
				t.Fatalf("mask(%d,%d) = %v, mask(%d,%d) = %v, want non-zero", id, n, fwd, n, id, back)
			}
			if fwd.Reciprocal() != back {
				t.Fatalf("mask(%d,%d) = %v is not reciprocal to mask(%d,%d) = %v", id, n, fwd, n, id, back)
			}
		}
	}
}

func TestNeighborOffsets(t *testing.T) {
	l := DefaultLayout
	tests := []struct {
		id   ChipID
		dir  Direction
		want ChipID
		ok   bool
	}{
		{22, North, 12, true},
		{22, South, 32, true},
		{22, West, 21, true},
		{22, East, 23, true},
		{11, North, 0, false},
		{11, West, 0, false},
		{20, East, 0, false},
		{110, South, 0, false},
		{101, East, 102, true},
	}
	for _, tt := range tests {
		got, ok := l.Neighbor(tt.id, tt.dir)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("Neighbor(%d, %s) = %d,%v, want %d,%v", tt.id, tt.dir, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLayoutBounds(t *testing.T) {
	l := DefaultLayout
	if l.Valid(10) || l.Valid(111) || l.Valid(Placeholder) {
		t.Fatalf("ids outside 11..110 reported valid")
	}
	if !l.Valid(11) || !l.Valid(110) {
		t.Fatalf("board corners reported invalid")
	}
	if got := len(l.All()); got != 100 {
		t.Fatalf("len(All()) = %d, want 100", got)
	}
	if got := l.DirectedEdges(); got != 360 {
		t.Fatalf("DirectedEdges() = %d, want 360", got)
	}
	roots := l.DefaultRoots()
	want := []ChipID{11, 41, 71, 101}
	if len(roots) != len(want) {
		t.Fatalf("DefaultRoots() = %v, want %v", roots, want)
	}
	for i := range want {
		if roots[i] != want[i] {
			t.Fatalf("DefaultRoots() = %v, want %v", roots, want)
		}
	}
	if err := (Layout{Rows: 2, Cols: 2, First: 1}).Validate(); err == nil {
		t.Fatalf("layout starting at placeholder id validated")
	}
}

func TestLayoutIdentityRange(t *testing.T) {
	tests := []struct {
		layout Layout
		ok     bool
	}{
		{Layout{Rows: 1, Cols: 245, First: 11}, true},
		{Layout{Rows: 1, Cols: 246, First: 11}, false},
		{Layout{Rows: 1, Cols: 260, First: 11}, false},
		{Layout{Rows: 16, Cols: 16, First: 2}, false},
		{Layout{Rows: 15, Cols: 16, First: 2}, true},
	}
	for _, tt := range tests {
		err := tt.layout.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("%+v.Validate() = %v, want ok=%v", tt.layout, err, tt.ok)
		}
	}
	if DefaultLayout.Last() > MaxChipID {
		t.Fatalf("DefaultLayout.Last() = %d, want <= %d", DefaultLayout.Last(), MaxChipID)
	}
}

func TestMaskHelpers(t *testing.T) {
	m := MaskOf(West, East)
	if !m.Has(West) || !m.Has(East) || m.Has(North) {
		t.Fatalf("MaskOf(West, East) = %v", m)
	}
	if got := m.Bits(); got != [4]uint8{0, 1, 0, 1} {
		t.Fatalf("Bits() = %v, want [0 1 0 1]", got)
	}
	if got := m.String(); got != "[0,1,0,1]" {
		t.Fatalf("String() = %q", got)
	}
	if HostMask != MaskOf(West) {
		t.Fatalf("HostMask = %v, want west only", HostMask)
	}
	for _, d := range Directions {
		if d.Opposite().Opposite() != d {
			t.Fatalf("%s opposite is not an involution", d)
		}
	}
}
