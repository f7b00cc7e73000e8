package discover

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/grid"
	"github.com/OpenTraceLab/OpenTraceHydra/pkg/topology"
)

var (
	// ErrAttemptsExhausted is returned when Config.MaxAttempts rounds of
	// bring-up and verification all failed.
	ErrAttemptsExhausted = errors.New("discover: bring-up attempts exhausted")
	// ErrNoRoots is returned when no channel root answered.
	ErrNoRoots = errors.New("discover: no root anchor answered")
)

// Phase names reported through Progress.
const (
	PhaseRootProbe = "root-probe"
	PhaseBringUp   = "bring-up"
	PhaseVerify    = "verify"
	PhaseProbe     = "probe"
	PhaseDone      = "done"
)

// Progress reports the current state of a discovery run.
type Progress struct {
	Phase    string
	Attempt  int         // bring-up/verify round, 1-based
	Channel  int         // bus channel, 0 when not channel specific
	Chip     grid.ChipID // chip being handled, 0 when none
	Good     int         // confirmed links so far
	Excluded int         // excluded links so far
}

// Engine drives bring-up, verification and probing over one controller.
type Engine struct {
	ctl      *bus.Controller
	planner  topology.Planner
	cfg      *Config
	log      *slog.Logger
	progress chan<- Progress

	// busMu makes every multi-write sequence atomic with respect to other
	// bus activity issued through this engine.
	busMu sync.Mutex
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithProgress sets a channel that receives progress updates. Sends block.
func WithProgress(ch chan<- Progress) Option {
	return func(e *Engine) { e.progress = ch }
}

// NewEngine validates cfg and returns an engine.
func NewEngine(ctl *bus.Controller, planner topology.Planner, cfg *Config, opts ...Option) (*Engine, error) {
	if ctl == nil || planner == nil {
		return nil, errors.New("discover: controller and planner are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("discover: invalid config: %w", err)
	}
	e := &Engine{ctl: ctl, planner: planner, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	return e, nil
}

func (e *Engine) report(p Progress, st *topology.State) {
	if e.progress == nil {
		return
	}
	if st != nil {
		p.Good = len(st.GoodLinks())
		p.Excluded = len(st.ExcludedLinks())
	}
	e.progress <- p
}
