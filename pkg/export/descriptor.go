// Package export writes the validated network in the controller descriptor
// format read by the production bring-up, and reads it back.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

const (
	configType  = "controller"
	asicVersion = 2
	layoutTag   = "2.5.0"
	externalID  = "ext"
)

// NodeID is either the external host node or a chip id.
type NodeID struct {
	External bool
	Chip     grid.ChipID
}

func (n NodeID) MarshalJSON() ([]byte, error) {
	if n.External {
		return json.Marshal(externalID)
	}
	return json.Marshal(int(n.Chip))
}

func (n *NodeID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != externalID {
			return fmt.Errorf("export: unknown node id %q", s)
		}
		*n = NodeID{External: true}
		return nil
	}
	var id int
	if err := json.Unmarshal(b, &id); err != nil {
		return fmt.Errorf("export: node id: %w", err)
	}
	*n = NodeID{Chip: grid.ChipID(id)}
	return nil
}

// Node is one entry of a channel's node list. MisoUS holds, per port index,
// the id of the next chip outward through that port, or null.
type Node struct {
	ChipID NodeID          `json:"chip_id"`
	MisoUS [4]*grid.ChipID `json:"miso_us"`
	Root   bool            `json:"root,omitempty"`
}

// next returns the single outward neighbour named by n.
func (n Node) next() (grid.Direction, grid.ChipID, bool, error) {
	var (
		dir   grid.Direction
		id    grid.ChipID
		found bool
	)
	for i, p := range n.MisoUS {
		if p == nil {
			continue
		}
		if found {
			return 0, 0, false, fmt.Errorf("export: node %v names more than one outward port", n.ChipID)
		}
		dir, id, found = grid.Directions[i], *p, true
	}
	return dir, id, found, nil
}

// ChannelNodes is the ordered node list of one channel, host first.
type ChannelNodes struct {
	Nodes []Node `json:"nodes"`
}

// Network maps io_group -> channel -> nodes, next to the port lookup tables.
type Network struct {
	Groups        map[int]map[int]*ChannelNodes
	MisoUSUARTMap [4]int
	MisoDSUARTMap [4]int
	MosiUARTMap   [4]int
}

var tableKeys = []string{"miso_us_uart_map", "miso_ds_uart_map", "mosi_uart_map"}

func (n *Network) tables() []*[4]int {
	return []*[4]int{&n.MisoUSUARTMap, &n.MisoDSUARTMap, &n.MosiUARTMap}
}

func (n Network) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Groups)+len(tableKeys))
	for g, chans := range n.Groups {
		m := make(map[string]*ChannelNodes, len(chans))
		for ch, nodes := range chans {
			m[strconv.Itoa(ch)] = nodes
		}
		out[strconv.Itoa(g)] = m
	}
	for i, t := range n.tables() {
		out[tableKeys[i]] = *t
	}
	return json.Marshal(out)
}

func (n *Network) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.Groups = make(map[int]map[int]*ChannelNodes)
	for i, t := range n.tables() {
		msg, ok := raw[tableKeys[i]]
		if !ok {
			return fmt.Errorf("export: network missing %s", tableKeys[i])
		}
		if err := json.Unmarshal(msg, t); err != nil {
			return fmt.Errorf("export: %s: %w", tableKeys[i], err)
		}
		delete(raw, tableKeys[i])
	}
	for key, msg := range raw {
		g, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("export: io_group key %q: %w", key, err)
		}
		var chans map[string]*ChannelNodes
		if err := json.Unmarshal(msg, &chans); err != nil {
			return fmt.Errorf("export: io_group %d: %w", g, err)
		}
		n.Groups[g] = make(map[int]*ChannelNodes, len(chans))
		for ck, nodes := range chans {
			ch, err := strconv.Atoi(ck)
			if err != nil {
				return fmt.Errorf("export: channel key %q: %w", ck, err)
			}
			n.Groups[g][ch] = nodes
		}
	}
	return nil
}

// Descriptor is the controller configuration consumed by the production
// bring-up.
type Descriptor struct {
	ConfigType  string  `json:"_config_type"`
	Name        string  `json:"name"`
	ASICVersion int     `json:"asic_version"`
	Layout      string  `json:"layout"`
	Network     Network `json:"network"`
}

// Chain is one channel's chip order recovered from a descriptor.
type Chain struct {
	IOGroup int
	Channel int
	Path    topology.Path
	// Upstream holds, per chip of Path, the mask enabling the port toward the
	// next chip (zero for the last).
	Upstream []grid.Mask
}

// ChannelPath binds a channel to its chain for Build.
type ChannelPath struct {
	Channel int
	Path    topology.Path
}

// Masker resolves the port of from that faces to.
type Masker interface {
	DirectionMask(from, to grid.ChipID) grid.Mask
}

// Build creates a descriptor for the given chains of one io_group.
func Build(name string, ioGroup int, chains []ChannelPath, masks Masker) (*Descriptor, error) {
	d := &Descriptor{
		ConfigType:  configType,
		Name:        name,
		ASICVersion: asicVersion,
		Layout:      layoutTag,
		Network: Network{
			Groups:        map[int]map[int]*ChannelNodes{ioGroup: {}},
			MisoUSUARTMap: grid.MisoUpstreamUARTMap,
			MisoDSUARTMap: grid.MisoDownstreamUARTMap,
			MosiUARTMap:   grid.MosiUARTMap,
		},
	}
	for _, c := range chains {
		if len(c.Path) == 0 {
			continue
		}
		if _, dup := d.Network.Groups[ioGroup][c.Channel]; dup {
			return nil, fmt.Errorf("export: channel %d listed twice", c.Channel)
		}
		root := c.Path[0]
		ext := Node{ChipID: NodeID{External: true}, Root: true}
		ext.MisoUS[grid.HostDirection.Opposite()] = &root
		nodes := []Node{ext}
		for k, chip := range c.Path {
			n := Node{ChipID: NodeID{Chip: chip}}
			if k+1 < len(c.Path) {
				next := c.Path[k+1]
				ports := masks.DirectionMask(chip, next).Ports()
				if len(ports) != 1 {
					return nil, fmt.Errorf("export: chips %d and %d are not adjacent", chip, next)
				}
				n.MisoUS[ports[0]] = &next
			}
			nodes = append(nodes, n)
		}
		d.Network.Groups[ioGroup][c.Channel] = &ChannelNodes{Nodes: nodes}
	}
	return d, nil
}

// Chains reconstructs every channel's chain, checking that each node points at
// the node after it and, when layout is non-nil, that the named port really
// faces that chip.
func (d *Descriptor) Chains(layout *grid.Layout) ([]Chain, error) {
	var out []Chain
	for g, chans := range d.Network.Groups {
		for ch, cn := range chans {
			c, err := chainFromNodes(g, ch, cn.Nodes, layout)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IOGroup != out[j].IOGroup {
			return out[i].IOGroup < out[j].IOGroup
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func chainFromNodes(g, ch int, nodes []Node, layout *grid.Layout) (Chain, error) {
	c := Chain{IOGroup: g, Channel: ch}
	if len(nodes) == 0 || !nodes[0].ChipID.External || !nodes[0].Root {
		return c, fmt.Errorf("export: channel %d-%d does not start at the external root node", g, ch)
	}
	_, want, ok, err := nodes[0].next()
	if err != nil || !ok {
		return c, fmt.Errorf("export: channel %d-%d external node names no root", g, ch)
	}
	for k, n := range nodes[1:] {
		if n.ChipID.External || n.ChipID.Chip != want {
			return c, fmt.Errorf("export: channel %d-%d node %d is %v, want chip %d", g, ch, k+1, n.ChipID, want)
		}
		dir, next, ok, err := n.next()
		if err != nil {
			return c, err
		}
		c.Path = append(c.Path, n.ChipID.Chip)
		if !ok {
			c.Upstream = append(c.Upstream, 0)
			if k+2 < len(nodes) {
				return c, fmt.Errorf("export: channel %d-%d chain ends at %d before the node list does", g, ch, n.ChipID.Chip)
			}
			break
		}
		if layout != nil {
			if got, adj := layout.Neighbor(n.ChipID.Chip, dir); !adj || got != next {
				return c, fmt.Errorf("export: channel %d-%d: port %s of %d does not face %d", g, ch, dir, n.ChipID.Chip, next)
			}
		}
		c.Upstream = append(c.Upstream, grid.MaskOf(dir))
		want = next
	}
	if len(c.Path) == 0 || len(c.Upstream) != len(c.Path) || c.Upstream[len(c.Upstream)-1] != 0 {
		return c, fmt.Errorf("export: channel %d-%d chain is truncated", g, ch)
	}
	return c, nil
}

// Uncovered lists the ids of layout that no chain of d visits.
func (d *Descriptor) Uncovered(layout grid.Layout) ([]grid.ChipID, error) {
	chains, err := d.Chains(&layout)
	if err != nil {
		return nil, err
	}
	paths := make([]topology.Path, len(chains))
	for i, c := range chains {
		paths[i] = c.Path
	}
	return topology.Uncovered(layout, paths), nil
}

// Encode writes d as indented JSON.
func (d *Descriptor) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(d)
}

// WriteFile writes d to path.
func (d *Descriptor) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := d.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("export: %w", err)
	}
	return f.Close()
}

// Decode reads a descriptor.
func Decode(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("export: decode: %w", err)
	}
	if d.ConfigType != configType {
		return nil, fmt.Errorf("export: _config_type %q, want %q", d.ConfigType, configType)
	}
	return &d, nil
}

// ReadFile reads a descriptor from path.
func ReadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
