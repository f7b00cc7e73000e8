package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the chains the planner would try",
	Long: `Print the chain planned for every channel from the configured roots and the
exclusions of a hints file, without touching any hardware. Chips that no chain
can reach are listed as uncovered.

Examples:
  hydra plan
  hydra plan --config tile6.yaml --hints tile6-known-bad.txt -v`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVar(&hintsPath, "hints", "",
		"operator hints file (excluded links/chips, root overrides)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hintsPath == "" {
		hintsPath = cfg.Network.Hints
	}

	layout := cfg.Network.GridLayout()
	st := topology.NewState()
	if hintsPath != "" {
		h, err := loadHints(hintsPath, layout)
		if err != nil {
			return err
		}
		if err := applyRootHints(cfg, h); err != nil {
			return err
		}
		h.Apply(st)
	}

	specs := cfg.Network.ChannelSpecs()
	roots := make([]grid.ChipID, len(specs))
	for i, s := range specs {
		roots[i] = s.Root
	}
	paths := topology.NewGridPlanner(layout).Plan(roots, st)

	fmt.Printf("Planned chains for %s (%dx%d grid):\n\n", cfg.Network.Name, layout.Rows, layout.Cols)
	for i, s := range specs {
		var p topology.Path
		if i < len(paths) {
			p = paths[i]
		}
		fmt.Printf("Channel %d (root %d): %d chip(s)\n", s.Number, s.Root, len(p))
		if verbose {
			fmt.Printf("  %s\n", joinIDs(p))
		}
	}
	uncovered := topology.Uncovered(layout, paths)
	fmt.Printf("\nUncovered chips: %d\n", len(uncovered))
	if len(uncovered) > 0 {
		fmt.Printf("  %s\n", joinIDs(uncovered))
	}
	return nil
}
