// Package store persists positions, funding payments, and strategy state.
//
// Two backends implement the same interface: MemoryStore for tests and dry
// runs, PostgresStore for production. The engine writes every status
// transition through the store before treating the corresponding venue
// action as durable, so restart reconciliation can trust the journal.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// ErrNotFound is returned when the requested position or state row does
// not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the position journal.
type Store interface {
	// Create inserts a new position. The ID must be unique.
	Create(ctx context.Context, pos *types.Position) error

	// Update rewrites an existing position.
	Update(ctx context.Context, pos *types.Position) error

	// ClosePosition transitions a position to CLOSED with its exit reason
	// and realized PnL, stamping closed_at.
	ClosePosition(ctx context.Context, id string, reason types.ExitReason, realizedPnlUSD decimal.Decimal) error

	// Get returns one position by ID.
	Get(ctx context.Context, id string) (*types.Position, error)

	// ListOpen returns every non-terminal position (OPENING, OPEN, CLOSING),
	// oldest first.
	ListOpen(ctx context.Context) ([]*types.Position, error)

	// RecordFunding appends a funding payment. Payments are de-duplicated by
	// (venue, symbol, paid_at); the bool reports whether the payment was new.
	RecordFunding(ctx context.Context, p types.FundingPayment) (bool, error)

	// ListFunding returns a position's recorded payments, oldest first.
	ListFunding(ctx context.Context, positionID string) ([]types.FundingPayment, error)

	// SaveState upserts a named strategy-state document (stored as JSON).
	SaveState(ctx context.Context, name string, v any) error

	// LoadState unmarshals a named strategy-state document into out.
	LoadState(ctx context.Context, name string, out any) error

	Close() error
}

// MemoryStore keeps the journal in process memory. All operations are
// mutex-protected; returned positions are deep copies.
type MemoryStore struct {
	mu          sync.Mutex
	positions   map[string]*types.Position
	funding     map[string][]types.FundingPayment
	fundingSeen map[string]struct{}
	state       map[string]json.RawMessage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[string]*types.Position),
		funding:     make(map[string][]types.FundingPayment),
		fundingSeen: make(map[string]struct{}),
		state:       make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Create(ctx context.Context, pos *types.Position) error {
	if pos.ID == "" {
		return fmt.Errorf("create position: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("create position: %s already exists", pos.ID)
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return fmt.Errorf("update position %s: %w", pos.ID, ErrNotFound)
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

func (s *MemoryStore) ClosePosition(ctx context.Context, id string, reason types.ExitReason, realizedPnlUSD decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("close position %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	pos.Status = types.PosClosed
	pos.ExitReason = reason
	pos.RealizedPnlUSD = realizedPnlUSD
	pos.ClosedAt = &now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("get position %s: %w", id, ErrNotFound)
	}
	return clonePosition(pos), nil
}

func (s *MemoryStore) ListOpen(ctx context.Context) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for _, pos := range s.positions {
		switch pos.Status {
		case types.PosOpening, types.PosOpen, types.PosClosing:
			out = append(out, clonePosition(pos))
		}
	}
	slices.SortFunc(out, func(a, b *types.Position) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) RecordFunding(ctx context.Context, p types.FundingPayment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.PositionID]; !ok {
		return false, fmt.Errorf("record funding: position %s: %w", p.PositionID, ErrNotFound)
	}
	key := fundingKey(p.Venue, p.Symbol, p.PaidAt)
	if _, seen := s.fundingSeen[key]; seen {
		return false, nil
	}
	s.fundingSeen[key] = struct{}{}
	s.funding[p.PositionID] = append(s.funding[p.PositionID], p)
	return true, nil
}

func (s *MemoryStore) ListFunding(ctx context.Context, positionID string) ([]types.FundingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := slices.Clone(s.funding[positionID])
	slices.SortFunc(payments, func(a, b types.FundingPayment) int {
		return a.PaidAt.Compare(b.PaidAt)
	})
	return payments, nil
}

func (s *MemoryStore) SaveState(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[name] = data
	return nil
}

func (s *MemoryStore) LoadState(ctx context.Context, name string, out any) error {
	s.mu.Lock()
	data, ok := s.state[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("load state %s: %w", name, ErrNotFound)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal state %s: %w", name, err)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func fundingKey(venue, symbol string, paidAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", venue, symbol, paidAt.UnixNano())
}

func clonePosition(p *types.Position) *types.Position {
	cp := *p
	if p.LastCheckAt != nil {
		t := *p.LastCheckAt
		cp.LastCheckAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	if p.Metadata != nil {
		cp.Metadata = maps.Clone(p.Metadata)
	}
	return &cp
}
