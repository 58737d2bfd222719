package runtimes

import "sync/atomic"

// NumSharedCounters is the size of the per-block bank of shared atomic counters.
const NumSharedCounters = 4

// LaunchConfig describes the execution grid of one kernel launch:
// Grid blocks, each running Block execution units.
type LaunchConfig struct {
	Grid  int
	Block int
}

// GridSize returns the total number of execution units of the launch.
func (c LaunchConfig) GridSize() int {
	return c.Grid * c.Block
}

// BlockShared is the scratch state shared by all execution units of one block.
//
// Flag is an "any-true" reduction primitive: set-only, never cleared within a
// launch, intentionally allowing redundant writes from multiple units -- every
// writer stores the same value, so ordering between them is irrelevant.
type BlockShared struct {
	Flag     atomic.Bool
	Counters [NumSharedCounters]atomic.Uint64
}

// Unit identifies one execution unit of a running launch.
type Unit struct {
	// Block is the block index within the grid, Index the unit index within the block.
	Block, Index int

	// Config of the launch the unit belongs to.
	Config LaunchConfig

	// Shared scratch of the unit's block.
	Shared *BlockShared
}

// Flat returns the unit's flat index within the whole grid.
func (u Unit) Flat() int {
	return u.Block*u.Config.Block + u.Index
}

// Kernel is a data-parallel routine executed over a launch grid.
//
// Run is called once per execution unit. BlockEpilogue is called exactly once per
// block, after every unit of that block returned from Run -- the usual place to
// merge the block's shared partials into global device memory.
type Kernel interface {
	Run(unit Unit)
	BlockEpilogue(config LaunchConfig, block int, shared *BlockShared)
}
