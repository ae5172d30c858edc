package api

import (
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/risk"
	"funding-arb/pkg/types"
)

// Provider is the engine-side read surface for the API. The engine implements
// it; handlers never reach into engine internals.
type Provider interface {
	// ActivePositions returns copies of all non-terminal positions, oldest
	// first.
	ActivePositions() []*types.Position

	// PositionHistory returns the recorded divergence observations for a
	// position, oldest first. The bool is false for unknown positions.
	PositionHistory(id string) ([]risk.Observation, bool)

	// SessionStats returns the running session counters.
	SessionStats() SessionStats

	// LastCycle returns the most recent completed cycle summary; zero before
	// the first cycle finishes.
	LastCycle() CycleSummary

	// Events is the stream broadcast to WebSocket clients. A nil channel
	// disables streaming.
	Events() <-chan Event
}

// BuildStatusSnapshot aggregates engine state into one status document.
func BuildStatusSnapshot(provider Provider, cfg config.Config) StatusSnapshot {
	now := time.Now()

	positions := provider.ActivePositions()
	statuses := make([]PositionStatus, 0, len(positions))
	for _, p := range positions {
		statuses = append(statuses, NewPositionStatus(p, now))
	}

	return StatusSnapshot{
		Timestamp: now,
		DryRun:    cfg.DryRun,
		Positions: statuses,
		Session:   provider.SessionStats(),
		LastCycle: provider.LastCycle(),
		Config:    NewConfigSummary(cfg),
	}
}
