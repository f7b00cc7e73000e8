package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/store"
)

var (
	historyLimit int
	historyAll   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored discovery runs",
	Long: `List the discovery runs recorded in the run history database, newest first.

Examples:
  hydra history --store runs.db
  hydra history --store runs.db --all --limit 50`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&storePath, "store", "",
		"run history database (SQLite); overrides store.path")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20,
		"number of runs to show (0 = all)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false,
		"show runs of every network, not only the configured one")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no run history configured (--store or store.path)")
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	network := cfg.Network.Name
	if historyAll {
		network = ""
	}
	ctx := context.Background()
	runs, err := s.ListRuns(ctx, network, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-20s  %8s  %8s  %s\n", "RUN", "NETWORK", "STARTED", "DURATION", "ATTEMPTS", "VERIFIED")
	for _, r := range runs {
		fmt.Printf("%-36s  %-12s  %-20s  %8s  %8d  %v\n",
			r.ID, r.Network, r.Started.Local().Format("2006-01-02 15:04:05"),
			r.Finished.Sub(r.Started).Round(time.Second), r.Attempts, r.Verified)
	}

	if verbose {
		latest, err := s.LoadRun(ctx, runs[0].ID)
		if err != nil {
			return err
		}
		fmt.Printf("\nLatest run %s:\n", latest.ID)
		fmt.Printf("  Links confirmed: %d\n", len(latest.GoodLinks))
		fmt.Printf("  Links excluded:  %d\n", len(latest.ExcludedLinks))
		fmt.Printf("  Chips excluded:  %s\n", joinIDs(latest.ExcludedChips))
		fmt.Printf("  Untested chips:  %s\n", joinIDs(latest.Untested))
	}
	return nil
}
