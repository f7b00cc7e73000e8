package grid

import (
	"fmt"
	"strings"
)

// ChipID is the grid position of a chip encoded as First + row*Cols + col.
// Values below the layout's First id are off the board.
type ChipID int

// Placeholder is the id every chip answers to after a hard reset.
const Placeholder ChipID = 1

// MaxChipID is the largest id the 8-bit identity register can hold.
const MaxChipID ChipID = 255

// Direction names one of the four physical UART ports of a chip.
type Direction uint8

const (
	North Direction = iota
	West
	South
	East
)

// Directions lists the ports in port-index order.
var Directions = [4]Direction{North, West, South, East}

// HostDirection is the port root anchors use to reach the host. Root anchors
// sit in column 0 so the host is on their west side.
const HostDirection = West

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case West:
		return "west"
	case South:
		return "south"
	case East:
		return "east"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Opposite returns the port that faces d on the neighbouring chip.
func (d Direction) Opposite() Direction {
	return Direction((uint8(d) + 2) % 4)
}

// Mask is a 4-bit port-enable vector, bit i selecting port Direction(i).
type Mask uint8

// MaskOf returns a mask with only the given ports enabled.
func MaskOf(dirs ...Direction) Mask {
	var m Mask
	for _, d := range dirs {
		m |= 1 << d
	}
	return m
}

// AllPorts enables every port; used for differential signalling.
const AllPorts Mask = 0x0f

// HostMask enables only the host-facing port.
var HostMask = MaskOf(HostDirection)

// Has reports whether port d is enabled.
func (m Mask) Has(d Direction) bool {
	return m&(1<<d) != 0
}

// Ports returns the enabled ports in port-index order.
func (m Mask) Ports() []Direction {
	var out []Direction
	for _, d := range Directions {
		if m.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Bits returns the mask as a per-port 0/1 list.
func (m Mask) Bits() [4]uint8 {
	var b [4]uint8
	for i, d := range Directions {
		if m.Has(d) {
			b[i] = 1
		}
	}
	return b
}

// Reciprocal maps every enabled port to the port facing it.
func (m Mask) Reciprocal() Mask {
	var out Mask
	for _, d := range m.Ports() {
		out |= MaskOf(d.Opposite())
	}
	return out
}

func (m Mask) String() string {
	b := m.Bits()
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Fixed direction to UART port lookup tables used by the production bring-up.
var (
	MisoUpstreamUARTMap   = [4]int{3, 0, 1, 2}
	MisoDownstreamUARTMap = [4]int{1, 2, 3, 0}
	MosiUARTMap           = [4]int{2, 3, 0, 1}
)

// Layout describes a rectangular board.
type Layout struct {
	Rows  int
	Cols  int
	First ChipID
}

// DefaultLayout is the 10x10 tile numbered 11..110.
var DefaultLayout = Layout{Rows: 10, Cols: 10, First: 11}

// Validate checks that the layout describes a usable board.
func (l Layout) Validate() error {
	if l.Rows < 1 || l.Cols < 1 {
		return fmt.Errorf("grid: invalid size %dx%d", l.Rows, l.Cols)
	}
	if l.First <= Placeholder {
		return fmt.Errorf("grid: first id %d collides with placeholder id %d", l.First, Placeholder)
	}
	if last := l.Last(); last > MaxChipID {
		return fmt.Errorf("grid: last id %d exceeds identity register range (max %d)", last, MaxChipID)
	}
	return nil
}

// Size returns the number of chip positions.
func (l Layout) Size() int {
	return l.Rows * l.Cols
}

// Last returns the highest valid id.
func (l Layout) Last() ChipID {
	return l.First + ChipID(l.Size()) - 1
}

// Valid reports whether id names a position on the board.
func (l Layout) Valid(id ChipID) bool {
	return id >= l.First && id <= l.Last()
}

// Position returns the row and column of id.
func (l Layout) Position(id ChipID) (row, col int, ok bool) {
	if !l.Valid(id) {
		return 0, 0, false
	}
	off := int(id - l.First)
	return off / l.Cols, off % l.Cols, true
}

// At returns the id at row, col.
func (l Layout) At(row, col int) (ChipID, bool) {
	if row < 0 || row >= l.Rows || col < 0 || col >= l.Cols {
		return 0, false
	}
	return l.First + ChipID(row*l.Cols+col), true
}

// Neighbor returns the chip adjacent to id through port d.
func (l Layout) Neighbor(id ChipID, d Direction) (ChipID, bool) {
	row, col, ok := l.Position(id)
	if !ok {
		return 0, false
	}
	switch d {
	case North:
		row--
	case South:
		row++
	case West:
		col--
	case East:
		col++
	default:
		return 0, false
	}
	return l.At(row, col)
}

// Neighbors returns the on-board neighbours of id in port-index order.
func (l Layout) Neighbors(id ChipID) []ChipID {
	var out []ChipID
	for _, d := range Directions {
		if n, ok := l.Neighbor(id, d); ok {
			out = append(out, n)
		}
	}
	return out
}

// Direction returns the port of from that faces to.
func (l Layout) Direction(from, to ChipID) (Direction, bool) {
	for _, d := range Directions {
		if n, ok := l.Neighbor(from, d); ok && n == to {
			return d, true
		}
	}
	return 0, false
}

// DirectionMask returns the mask enabling the port of from that faces to, or
// zero when the two chips are not adjacent.
func (l Layout) DirectionMask(from, to ChipID) Mask {
	d, ok := l.Direction(from, to)
	if !ok {
		return 0
	}
	return MaskOf(d)
}

// All returns every valid id in ascending order.
func (l Layout) All() []ChipID {
	out := make([]ChipID, 0, l.Size())
	for id := l.First; id <= l.Last(); id++ {
		out = append(out, id)
	}
	return out
}

// DirectedEdges counts ordered adjacent pairs on the board.
func (l Layout) DirectedEdges() int {
	return 2 * (l.Rows*(l.Cols-1) + l.Cols*(l.Rows-1))
}

// DefaultRoots returns the column-0 root anchors every third row, starting at
// the first row (11, 41, 71, 101 on the default tile).
func (l Layout) DefaultRoots() []ChipID {
	var out []ChipID
	for row := 0; row < l.Rows; row += 3 {
		id, _ := l.At(row, 0)
		out = append(out, id)
	}
	return out
}
