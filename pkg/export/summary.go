package export

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

// Summary is the operator report written next to the descriptor.
type Summary struct {
	RunID         string           `yaml:"run_id"`
	Name          string           `yaml:"name"`
	Started       time.Time        `yaml:"started"`
	Finished      time.Time        `yaml:"finished"`
	Attempts      int              `yaml:"attempts"`
	Verified      bool             `yaml:"verified"`
	Chains        []SummaryChain   `yaml:"chains"`
	Untested      []grid.ChipID    `yaml:"untested,flow"`
	ExcludedChips []grid.ChipID    `yaml:"excluded_chips,flow"`
	ExcludedLinks []SummaryLink    `yaml:"excluded_links"`
	Degraded      []SummaryLink    `yaml:"degraded,omitempty"`
	Links         SummaryLinkCount `yaml:"links"`
}

// SummaryChain is one channel in the report.
type SummaryChain struct {
	Channel int           `yaml:"channel"`
	Root    grid.ChipID   `yaml:"root"`
	Chips   []grid.ChipID `yaml:"chips,flow"`
}

// SummaryLink is a directed link in the report.
type SummaryLink struct {
	From grid.ChipID `yaml:"from"`
	To   grid.ChipID `yaml:"to"`
}

// SummaryLinkCount tallies link verdicts.
type SummaryLinkCount struct {
	Tested int `yaml:"tested"`
	Good   int `yaml:"good"`
}

// Links converts topology links for the report.
func Links(links []topology.Link) []SummaryLink {
	out := make([]SummaryLink, len(links))
	for i, l := range links {
		out[i] = SummaryLink{From: l.From, To: l.To}
	}
	return out
}

// WriteSummary encodes s as YAML.
func WriteSummary(w io.Writer, s *Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("export: encode summary: %w", err)
	}
	return enc.Close()
}

// WriteSummaryFile writes s to path.
func WriteSummaryFile(path string, s *Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := WriteSummary(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSummary decodes a report written by WriteSummary.
func ReadSummary(r io.Reader) (*Summary, error) {
	var s Summary
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("export: decode summary: %w", err)
	}
	return &s, nil
}
