// Package models holds the entities shared across the store, coverage and
// worker packages. Block numbers, sequence ids and gas values are uint64;
// gwei fee fields are *big.Float in Go and decimal strings at the database
// boundary.
package models

import (
	"math/big"
	"time"
)

// Block mirrors the `blocks` table. Inserted once (idempotent on Number),
// mutated only by FinalityReconciler and PriorityFeeRecomputer.
type Block struct {
	Number         uint64
	Timestamp      time.Time
	BlockHash      string
	ParentHash     string
	GasUsed        uint64
	GasLimit       uint64
	BaseFeeGwei    *big.Float // nil when baseFeePerGas was absent (pre-fork)
	MinPriorityFee *big.Float
	MaxPriorityFee *big.Float
	AvgPriorityFee *big.Float
	MedPriorityFee *big.Float
	TotalBaseFee   *big.Float
	TotalPriority  *big.Float
	TxCount        int

	// Derived, computed relative to the previous block when present.
	BlockTimeSec *float64
	MgasPerSec   *float64
	TPS          *float64

	Finalized         bool
	FinalizedAt       *time.Time
	MilestoneID       *uint64
	TimeToFinalitySec *float64

	UpdatedAt time.Time
}

// Milestone mirrors the `milestones` table. Inserted once, never mutated.
// Covers the closed range [StartBlock, EndBlock].
type Milestone struct {
	MilestoneID uint64 // == EndBlock
	SequenceID  uint64
	StartBlock  uint64
	EndBlock    uint64
	Hash        string
	Proposer    string
	Timestamp   time.Time
}

// Stream names tracked by the Gap & Coverage Store.
const (
	StreamBlocks     = "blocks"
	StreamMilestones = "milestones"
)

// Coverage mirrors `data_coverage`: the validated interval a stream has been
// scanned for gaps within.
type Coverage struct {
	Stream         string
	LowWaterMark   uint64
	HighWaterMark  uint64
	LastAnalyzedAt time.Time
}

// Gap kinds.
const (
	GapKindBlock       = "block"
	GapKindMilestone   = "milestone"
	GapKindFinality    = "finality"
	GapKindPriorityFee = "priority_fee"
)

// Gap states.
const (
	GapStatePending   = "pending"
	GapStateFilling   = "filling"
	GapStateFilled    = "filled"
	GapStateAbandoned = "abandoned"
)

// Gap mirrors the `gaps` table.
type Gap struct {
	ID         int64
	Kind       string
	RangeStart uint64
	RangeEnd   uint64
	State      string
	Source     string
	CreatedAt  time.Time
	ClaimedAt  *time.Time
	FilledAt   *time.Time
	FailCount  int
}

// Table names tracked by TableStats.
const (
	TableBlocks     = "blocks"
	TableMilestones = "milestones"
)

// TableStats mirrors `table_stats`: an incrementally maintained cache, not
// source of truth (I5).
type TableStats struct {
	Table          string
	MinValue       uint64
	MaxValue       uint64
	TotalCount     uint64
	FinalizedCount uint64
	MinFinalized   *uint64
	MaxFinalized   *uint64
	UpdatedAt      time.Time
}

// MilestoneAggregates holds aggregates over the milestones table. They are
// computed on demand from the table; no cached row is kept.
type MilestoneAggregates struct {
	MinSequenceID uint64
	MaxSequenceID uint64
	MinStartBlock uint64
	MaxEndBlock   uint64
	Count         uint64
}

// Worker states for the Worker Status Registry.
const (
	WorkerStateRunning = "running"
	WorkerStateIdle    = "idle"
	WorkerStateError   = "error"
	WorkerStateStopped = "stopped"
)

// WorkerStatus is the in-memory record read by the status endpoint.
type WorkerStatus struct {
	Name           string
	State          string
	LastRunAt      time.Time
	LastErrorAt    time.Time
	LastError      string
	ItemsProcessed uint64
}

// PriorityFeeFixStatus mirrors the `priority_fee_fix_status` singleton row.
type PriorityFeeFixStatus struct {
	FixDeployedAtBlock uint64
	LastFixedBlock     uint64
	UpdatedAt          time.Time
}
