package api

import (
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// Event is the wrapper for everything pushed down the WebSocket stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Event types carried in Event.Type.
const (
	EventStatus           = "status"
	EventPositionOpened   = "position_opened"
	EventPositionClosed   = "position_closed"
	EventEntryRejected    = "entry_rejected"
	EventRollbackIncident = "rollback_incident"
	EventFunding          = "funding"
	EventCycle            = "cycle"
)

// PositionClosedEvent reports a completed exit.
type PositionClosedEvent struct {
	PositionID     string           `json:"position_id"`
	Symbol         string           `json:"symbol"`
	Reason         types.ExitReason `json:"reason"`
	RealizedPnlUSD decimal.Decimal  `json:"realized_pnl_usd"`
	HeldHours      float64          `json:"held_hours"`
}

// EntryRejectedEvent reports an atomic entry that created no position.
type EntryRejectedEvent struct {
	Symbol     string `json:"symbol"`
	LongVenue  string `json:"long_venue"`
	ShortVenue string `json:"short_venue"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
	RolledBack bool   `json:"rolled_back"`
}

// FundingEvent reports one accrued funding payment.
type FundingEvent struct {
	PositionID string          `json:"position_id"`
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	PaidAt     time.Time       `json:"paid_at"`
}

// NewPositionOpenedEvent wraps a freshly opened position.
func NewPositionOpenedEvent(pos *types.Position, now time.Time) Event {
	return Event{
		Type:      EventPositionOpened,
		Timestamp: now,
		Data:      NewPositionStatus(pos, now),
	}
}

// NewPositionClosedEvent wraps a completed exit.
func NewPositionClosedEvent(pos *types.Position, pnl decimal.Decimal, now time.Time) Event {
	return Event{
		Type:      EventPositionClosed,
		Timestamp: now,
		Data: PositionClosedEvent{
			PositionID:     pos.ID,
			Symbol:         pos.Symbol,
			Reason:         pos.ExitReason,
			RealizedPnlUSD: pnl,
			HeldHours:      pos.Age(now).Hours(),
		},
	}
}

// NewEntryRejectedEvent wraps a failed entry attempt.
func NewEntryRejectedEvent(opp types.Opportunity, res types.AtomicResult, now time.Time) Event {
	return Event{
		Type:      EventEntryRejected,
		Timestamp: now,
		Data: EntryRejectedEvent{
			Symbol:     opp.Symbol,
			LongVenue:  opp.LongVenue,
			ShortVenue: opp.ShortVenue,
			Reason:     string(res.Rejection),
			Detail:     res.RejectDetail,
			RolledBack: res.RollbackPerformed,
		},
	}
}

// NewRollbackIncidentEvent wraps an unresolved rollback. The engine halts
// after broadcasting it; operator action is required.
func NewRollbackIncidentEvent(inc *types.RollbackIncident, now time.Time) Event {
	return Event{
		Type:      EventRollbackIncident,
		Timestamp: now,
		Data:      inc,
	}
}

// NewFundingEvent wraps one recorded funding payment.
func NewFundingEvent(p types.FundingPayment, now time.Time) Event {
	return Event{
		Type:      EventFunding,
		Timestamp: now,
		Data: FundingEvent{
			PositionID: p.PositionID,
			Venue:      p.Venue,
			Symbol:     p.Symbol,
			AmountUSD:  p.AmountUSD,
			PaidAt:     p.PaidAt,
		},
	}
}

// NewCycleEvent wraps a completed cycle summary.
func NewCycleEvent(cycle CycleSummary, now time.Time) Event {
	return Event{Type: EventCycle, Timestamp: now, Data: cycle}
}
