package discover

import (
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// ChannelSpec pairs a bus channel with the root anchor wired to it.
type ChannelSpec struct {
	Number int
	Root   grid.ChipID
}

// Channel is one daisy chain of the network being discovered.
type Channel struct {
	Number int
	Root   grid.ChipID
	// Path is the planned sequence, root first.
	Path topology.Path
	// Discovered is the order in which bring-up claimed chips.
	Discovered topology.Path

	Done    bool
	Invalid bool
}

func (c *Channel) address(id grid.ChipID) bus.Address {
	return bus.Address{Channel: c.Number, Chip: id}
}

// Network is the set of chains built in one bring-up.
type Network struct {
	Channels []*Channel
}

// NewNetwork binds planned paths to channels; paths[i] belongs to specs[i].
func NewNetwork(specs []ChannelSpec, paths []topology.Path) *Network {
	n := &Network{Channels: make([]*Channel, len(specs))}
	for i, s := range specs {
		ch := &Channel{Number: s.Number, Root: s.Root}
		if i < len(paths) {
			ch.Path = append(topology.Path(nil), paths[i]...)
		}
		n.Channels[i] = ch
	}
	return n
}

// Roots returns the root anchors in channel order.
func (n *Network) Roots() []grid.ChipID {
	out := make([]grid.ChipID, len(n.Channels))
	for i, ch := range n.Channels {
		out[i] = ch.Root
	}
	return out
}

// IsRoot reports whether id anchors any channel.
func (n *Network) IsRoot(id grid.ChipID) bool {
	for _, ch := range n.Channels {
		if ch.Root == id {
			return true
		}
	}
	return false
}

// Paths returns the discovered sequences in channel order.
func (n *Network) Paths() []topology.Path {
	out := make([]topology.Path, len(n.Channels))
	for i, ch := range n.Channels {
		out[i] = append(topology.Path(nil), ch.Discovered...)
	}
	return out
}

// Owner returns the channel whose discovered chain holds id.
func (n *Network) Owner(id grid.ChipID) (*Channel, int, bool) {
	for _, ch := range n.Channels {
		if i := ch.Discovered.Index(id); i >= 0 {
			return ch, i, true
		}
	}
	return nil, -1, false
}

// Valid reports whether no channel was marked invalid.
func (n *Network) Valid() bool {
	for _, ch := range n.Channels {
		if ch.Invalid {
			return false
		}
	}
	return true
}
