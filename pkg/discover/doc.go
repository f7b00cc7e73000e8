// Package discover maps and validates the UART wiring of a hydra network: a
// grid of identical chips daisy-chained point to point from a few root anchors
// that the host reaches directly.
//
// A run proceeds in phases:
//
//  1. Root probe: each channel's root anchor is claimed on its own and must
//     answer an identity read, otherwise the channel is dropped.
//  2. Bring-up: every planned path is walked outward from its root. Each hop
//     claims the next chip through the shared default address, renames it to
//     its grid id and points the neighbouring port masks at each other. The
//     branch is then silenced and the channel clock ratio programmed.
//  3. Verification: all channels are stepped in lockstep, hop k on every
//     channel before hop k+1 anywhere. Each hop is re-enabled and the far chip
//     must answer one bounded identity read. A failing hop is excluded and the
//     whole board is reset and replanned.
//  4. Probing: for each chip of the verified chains, every unused grid
//     neighbour is tested through a temporary detour and the original masks
//     are restored and re-verified.
//
// Exclusions only grow during a run, so each failed verification removes one
// directed edge for good. Replanning has no cap unless Config.MaxAttempts is
// set, in which case exhausting it is reported as ErrAttemptsExhausted.
//
// # Usage
//
//	sim := bus.NewSimTransport(grid.DefaultLayout, map[int]grid.ChipID{1: 11})
//	ctl := bus.NewController(sim, logger)
//	eng, err := discover.NewEngine(ctl, topology.NewGridPlanner(grid.DefaultLayout), discover.DefaultConfig())
//	res, err := eng.Run(ctx, []discover.ChannelSpec{{Number: 1, Root: 11}}, nil)
package discover
