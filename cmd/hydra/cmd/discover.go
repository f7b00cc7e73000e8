package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/config"
	"github.com/OpenTraceLab/OpenTraceHydra/internal/store"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/discover"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/export"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/hints"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

var (
	descriptorOut string
	summaryOut    string
	hintsPath     string
	storePath     string
	resume        bool
	maxAttempts   int
	noProbe       bool
	metricsOut    string
	traceOut      string
	runTimeout    int // seconds
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Bring up, verify and map the network",
	Long: `Discover the working topology of a hydra network.

The discover command will:
  1. Reset the board and check that each channel's root chip answers
  2. Plan one chain per channel and bring it up hop by hop
  3. Read back every chip in lockstep across channels, excluding the first
     link of each channel that does not answer, and replan until all verify
  4. Test the unused neighbour links of every verified chip
  5. Write the network descriptor, the run summary and the run history

Examples:
  # Simulated tile with the four default roots
  hydra discover --output network.json

  # Simulated tile with faults from a config file
  hydra discover --config sim-faults.yaml --summary summary.yaml

  # Real board behind a Modbus/TCP gateway, resuming earlier exclusions
  hydra discover --config tile6.yaml --store runs.db --resume \
    --hints tile6-known-bad.txt --output tile6.json

  # Bounded run with metrics and traces
  hydra discover --max-attempts 20 --metrics-file hydra.prom --trace-out spans.json`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVarP(&descriptorOut, "output", "o", "",
		"network descriptor output (JSON); overrides output.descriptor")
	discoverCmd.Flags().StringVar(&summaryOut, "summary", "",
		"run summary output (YAML); overrides output.summary")
	discoverCmd.Flags().StringVar(&hintsPath, "hints", "",
		"operator hints file (excluded links/chips, root overrides)")
	discoverCmd.Flags().StringVar(&storePath, "store", "",
		"run history database (SQLite); overrides store.path")
	discoverCmd.Flags().BoolVar(&resume, "resume", false,
		"seed the run with the exclusions of the latest stored run")
	discoverCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0,
		"cap on bring-up/verify rounds (0 = unbounded)")
	discoverCmd.Flags().BoolVar(&noProbe, "no-probe", false,
		"skip redundant link probing")
	discoverCmd.Flags().StringVar(&metricsOut, "metrics-file", "",
		"write Prometheus metrics to this file when done")
	discoverCmd.Flags().StringVar(&traceOut, "trace-out", "",
		"write OpenTelemetry spans to this file")
	discoverCmd.Flags().IntVar(&runTimeout, "timeout", 0,
		"timeout in seconds (0 = no timeout)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyDiscoverFlags(cmd, cfg)

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	if traceOut != "" {
		shutdown, err := setupTracing(traceOut)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Seed state from hints and history
	st := topology.NewState()
	layout := cfg.Network.GridLayout()
	if hintsPath != "" {
		h, err := loadHints(hintsPath, layout)
		if err != nil {
			return err
		}
		if err := applyRootHints(cfg, h); err != nil {
			return err
		}
		h.Apply(st)
		fmt.Printf("Loaded hints: %d excluded link(s), %d excluded chip(s), %d root override(s)\n",
			len(h.ExcludedLinks), len(h.ExcludedChips), len(h.Roots))
	}

	var history *store.Store
	if cfg.Store.Path != "" {
		history, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer history.Close()
	}
	if resume {
		if history == nil {
			return fmt.Errorf("--resume needs a run history (--store or store.path)")
		}
		prev, last, err := history.LatestState(context.Background(), cfg.Network.Name)
		switch {
		case errors.Is(err, store.ErrNoRuns):
			fmt.Println("No earlier run to resume from; starting fresh")
		case err != nil:
			return err
		default:
			st.Merge(prev)
			fmt.Printf("Resuming from run %s: %d excluded link(s), %d excluded chip(s)\n",
				last.ID, len(prev.ExcludedLinks()), len(prev.ExcludedChips()))
		}
	}

	// Bus, controller and engine
	xport, err := openTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	defer xport.Close()

	ctl := bus.NewController(xport, logger.Logger)
	planner := topology.NewGridPlanner(layout)

	progressCh := make(chan discover.Progress, 16)
	engine, err := discover.NewEngine(ctl, planner, cfg.EngineConfig(),
		discover.WithLogger(logger.Logger),
		discover.WithProgress(progressCh),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(runTimeout)*time.Second)
		defer cancel()
	}

	specs := cfg.Network.ChannelSpecs()
	fmt.Printf("Discovering %s: %dx%d grid, %d channel(s), %s transport\n\n",
		cfg.Network.Name, layout.Rows, layout.Cols, len(specs), cfg.Bus.Transport)

	done := make(chan struct{})
	go func() {
		displayProgress(progressCh)
		close(done)
	}()
	res, runErr := engine.Run(ctx, specs, st)
	close(progressCh)
	<-done

	if res == nil {
		return fmt.Errorf("discovery failed: %w", runErr)
	}

	fmt.Println()
	printResult(res)

	if err := writeOutputs(cfg, res); err != nil {
		return err
	}
	if history != nil {
		if err := history.SaveRun(context.Background(), storeRun(cfg.Network.Name, res)); err != nil {
			return err
		}
		fmt.Printf("✓ Run %s saved to: %s\n", res.RunID, cfg.Store.Path)
	}
	if metricsOut != "" {
		if err := writeMetrics(metricsOut); err != nil {
			return err
		}
	}

	if runErr != nil {
		return fmt.Errorf("discovery failed: %w", runErr)
	}
	return nil
}

// applyDiscoverFlags lets command-line flags override the file configuration.
func applyDiscoverFlags(cmd *cobra.Command, cfg *config.Config) {
	if descriptorOut != "" {
		cfg.Output.Descriptor = descriptorOut
	}
	if summaryOut != "" {
		cfg.Output.Summary = summaryOut
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if hintsPath == "" {
		hintsPath = cfg.Network.Hints
	}
	if cmd.Flags().Changed("max-attempts") {
		cfg.Discovery.MaxAttempts = maxAttempts
	}
	if noProbe {
		off := false
		cfg.Discovery.ProbeRedundant = &off
	}
}

func loadHints(path string, layout grid.Layout) (*hints.Hints, error) {
	p, err := hints.NewParser()
	if err != nil {
		return nil, err
	}
	h, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(layout); err != nil {
		return nil, err
	}
	return h, nil
}

// applyRootHints replaces the root of every channel named by a root directive.
func applyRootHints(cfg *config.Config, h *hints.Hints) error {
	for _, r := range h.Roots {
		found := false
		for i := range cfg.Network.Channels {
			if cfg.Network.Channels[i].Channel == r.Channel {
				cfg.Network.Channels[i].Root = int(r.Chip)
				found = true
			}
		}
		if !found {
			return fmt.Errorf("hints: root %d names channel %d, which is not configured", r.Chip, r.Channel)
		}
	}
	return config.Validate(cfg)
}

// displayProgress shows phase changes and probe progress on one line
func displayProgress(progressCh <-chan discover.Progress) {
	lastPhase := ""
	for p := range progressCh {
		switch p.Phase {
		case discover.PhaseRootProbe:
			fmt.Printf("Checking root %d on channel %d...\n", p.Chip, p.Channel)
		case discover.PhaseBringUp:
			if p.Channel == 0 {
				fmt.Printf("Attempt %d: bringing up chains (%d excluded link(s) so far)\n", p.Attempt, p.Excluded)
			} else if verbose {
				fmt.Printf("  channel %d from root %d\n", p.Channel, p.Chip)
			}
		case discover.PhaseVerify:
			if lastPhase != discover.PhaseVerify {
				fmt.Println("  verifying...")
			}
		case discover.PhaseProbe:
			fmt.Printf("\r%-80s\r", "")
			fmt.Printf("Probing chip %3d on channel %d | good: %d | excluded: %d",
				p.Chip, p.Channel, p.Good, p.Excluded)
		case discover.PhaseDone:
			if lastPhase == discover.PhaseProbe {
				fmt.Println()
			}
		}
		lastPhase = p.Phase
	}
}

// printResult displays the operator summary of a run
func printResult(res *discover.Result) {
	sum := res.Summary()
	fmt.Println("╔════════════════════════════════════════════════════════════════╗")
	fmt.Println("║ Hydra Network Discovery Results                                ║")
	fmt.Println("╚════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	if res.Network != nil {
		for _, ch := range res.Network.Channels {
			fmt.Printf("Channel %d (root %d): %d chip(s)\n", ch.Number, ch.Root, len(ch.Discovered))
			if verbose {
				fmt.Printf("  %s\n", joinIDs(ch.Discovered))
			}
		}
		fmt.Println()
	}

	fmt.Printf("Verified:              %v\n", res.Verified)
	fmt.Printf("Bring-up attempts:     %d\n", res.Attempts)
	fmt.Printf("Links tested:          %d\n", sum.TestedLinks)
	fmt.Printf("Links confirmed:       %d\n", sum.GoodLinks)
	fmt.Printf("Links excluded:        %d\n", len(sum.ExcludedLinks))
	fmt.Printf("Untested chips:        %d\n", len(sum.Untested))
	if len(sum.Untested) > 0 {
		fmt.Printf("  %s\n", joinIDs(sum.Untested))
	}
	if len(sum.Degraded) > 0 {
		fmt.Printf("\n⚠ %d probe(s) left chips altered until the next reset:\n", len(sum.Degraded))
		for _, l := range sum.Degraded {
			fmt.Printf("  %s\n", l)
		}
	}
	fmt.Printf("Time elapsed:          %s\n", res.Finished.Sub(res.Started).Round(time.Millisecond))
	fmt.Println()
}

func joinIDs(ids []grid.ChipID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(int(id))
	}
	return strings.Join(parts, " ")
}

// writeOutputs writes the descriptor (verified runs only) and the summary.
func writeOutputs(cfg *config.Config, res *discover.Result) error {
	if path := cfg.Output.Descriptor; path != "" {
		if !res.Verified {
			fmt.Println("⚠ Network did not verify; descriptor not written")
		} else {
			var chains []export.ChannelPath
			for _, ch := range res.Network.Channels {
				chains = append(chains, export.ChannelPath{Channel: ch.Number, Path: ch.Discovered})
			}
			d, err := export.Build(cfg.Network.Name, cfg.Network.IOGroup, chains, cfg.Network.GridLayout())
			if err != nil {
				return err
			}
			if err := d.WriteFile(path); err != nil {
				return err
			}
			fmt.Printf("✓ Network descriptor saved to: %s\n", path)
		}
	}
	if path := cfg.Output.Summary; path != "" {
		if err := export.WriteSummaryFile(path, buildSummary(cfg.Network.Name, res)); err != nil {
			return err
		}
		fmt.Printf("✓ Run summary saved to: %s\n", path)
	}
	if cfg.Output.Descriptor == "" && cfg.Output.Summary == "" {
		fmt.Println("⚠ No output files specified. Use --output or --summary to save results.")
	}
	return nil
}

func buildSummary(name string, res *discover.Result) *export.Summary {
	sum := res.Summary()
	s := &export.Summary{
		RunID:         res.RunID,
		Name:          name,
		Started:       res.Started,
		Finished:      res.Finished,
		Attempts:      res.Attempts,
		Verified:      res.Verified,
		Untested:      sum.Untested,
		ExcludedChips: sum.ExcludedChips,
		ExcludedLinks: export.Links(sum.ExcludedLinks),
		Degraded:      export.Links(sum.Degraded),
		Links:         export.SummaryLinkCount{Tested: sum.TestedLinks, Good: sum.GoodLinks},
	}
	if res.Network != nil {
		for _, ch := range res.Network.Channels {
			s.Chains = append(s.Chains, export.SummaryChain{Channel: ch.Number, Root: ch.Root, Chips: ch.Discovered})
		}
	}
	return s
}

func storeRun(name string, res *discover.Result) *store.Run {
	sum := res.Summary()
	r := &store.Run{
		ID:            res.RunID,
		Network:       name,
		Started:       res.Started,
		Finished:      res.Finished,
		Attempts:      res.Attempts,
		Verified:      res.Verified,
		ExcludedLinks: sum.ExcludedLinks,
		ExcludedChips: sum.ExcludedChips,
		Untested:      sum.Untested,
	}
	if res.State != nil {
		r.GoodLinks = res.State.GoodLinks()
	}
	return r
}
