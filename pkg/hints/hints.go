// Package hints reads operator-maintained constraint files: links and chips
// already known to be bad, and root anchor overrides per channel.
package hints

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/alecthomas/participle/v2"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// Root binds a root anchor to a channel.
type Root struct {
	Channel int
	Chip    grid.ChipID
}

// Hints is the resolved content of a hints file.
type Hints struct {
	ExcludedLinks []topology.Link
	ExcludedChips []grid.ChipID
	Roots         []Root
}

// Parser parses hints files.
type Parser struct {
	parser *participle.Parser[File]
}

// NewParser creates a hints parser.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[File](
		participle.Lexer(hintsLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.CaseInsensitive("Ident"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("hints: failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse reads hints from r.
func (p *Parser) Parse(name string, r io.Reader) (*Hints, error) {
	f, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("hints: %w", err)
	}
	return resolve(f)
}

// ParseString reads hints from s.
func (p *Parser) ParseString(s string) (*Hints, error) {
	f, err := p.parser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("hints: %w", err)
	}
	return resolve(f)
}

// ParseFile reads hints from path.
func (p *Parser) ParseFile(path string) (*Hints, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hints: %w", err)
	}
	defer file.Close()
	return p.Parse(path, file)
}

func resolve(f *File) (*Hints, error) {
	h := &Hints{}
	channels := map[int]grid.ChipID{}
	for _, st := range f.Statements {
		switch {
		case st.Exclude != nil && st.Exclude.Link != nil:
			l := st.Exclude.Link
			if l.From == l.To {
				return nil, fmt.Errorf("hints: %s: link from %d to itself", st.Pos, l.From)
			}
			link := topology.Link{From: grid.ChipID(l.From), To: grid.ChipID(l.To)}
			h.ExcludedLinks = append(h.ExcludedLinks, link)
			if l.Both() {
				h.ExcludedLinks = append(h.ExcludedLinks, link.Reverse())
			}
		case st.Exclude != nil && st.Exclude.Chip != nil:
			h.ExcludedChips = append(h.ExcludedChips, grid.ChipID(*st.Exclude.Chip))
		case st.Root != nil:
			if prev, ok := channels[st.Root.Channel]; ok {
				return nil, fmt.Errorf("hints: %s: channel %d already rooted at %d", st.Pos, st.Root.Channel, prev)
			}
			channels[st.Root.Channel] = grid.ChipID(st.Root.Chip)
			h.Roots = append(h.Roots, Root{Channel: st.Root.Channel, Chip: grid.ChipID(st.Root.Chip)})
		}
	}
	sort.Slice(h.Roots, func(i, j int) bool { return h.Roots[i].Channel < h.Roots[j].Channel })
	return h, nil
}

// Validate checks every id against layout.
func (h *Hints) Validate(layout grid.Layout) error {
	for _, l := range h.ExcludedLinks {
		if !layout.Valid(l.From) || !layout.Valid(l.To) {
			return fmt.Errorf("hints: link %s is off the board", l)
		}
		if layout.DirectionMask(l.From, l.To) == 0 {
			return fmt.Errorf("hints: link %s joins chips that are not adjacent", l)
		}
	}
	for _, id := range h.ExcludedChips {
		if !layout.Valid(id) {
			return fmt.Errorf("hints: chip %d is off the board", id)
		}
	}
	for _, r := range h.Roots {
		if !layout.Valid(r.Chip) {
			return fmt.Errorf("hints: root %d is off the board", r.Chip)
		}
	}
	return nil
}

// Apply adds the exclusions to st.
func (h *Hints) Apply(st *topology.State) {
	for _, l := range h.ExcludedLinks {
		st.ExcludeLink(l)
	}
	for _, id := range h.ExcludedChips {
		st.ExcludeChip(id)
	}
}
