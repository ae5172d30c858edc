package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// opTimeout bounds every single store operation.
const opTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                     uuid PRIMARY KEY,
	symbol                 text NOT NULL,
	long_venue             text NOT NULL,
	short_venue            text NOT NULL,
	size_usd               numeric NOT NULL,
	qty                    numeric NOT NULL DEFAULT 0,
	leverage               integer NOT NULL DEFAULT 1,
	entry_long_price       numeric NOT NULL DEFAULT 0,
	entry_short_price      numeric NOT NULL DEFAULT 0,
	entry_long_rate        numeric NOT NULL DEFAULT 0,
	entry_short_rate       numeric NOT NULL DEFAULT 0,
	entry_divergence       numeric NOT NULL DEFAULT 0,
	current_divergence     numeric,
	cumulative_funding_usd numeric NOT NULL DEFAULT 0,
	total_fees_usd         numeric NOT NULL DEFAULT 0,
	realized_pnl_usd       numeric,
	status                 text NOT NULL,
	exit_reason            text,
	opened_at              timestamptz NOT NULL,
	last_check_at          timestamptz,
	closed_at              timestamptz,
	metadata               jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);

CREATE TABLE IF NOT EXISTS funding_payments (
	id          uuid PRIMARY KEY,
	position_id uuid NOT NULL REFERENCES positions (id),
	venue       text NOT NULL,
	symbol      text NOT NULL,
	amount_usd  numeric NOT NULL,
	paid_at     timestamptz NOT NULL,
	UNIQUE (venue, symbol, paid_at)
);
CREATE INDEX IF NOT EXISTS idx_funding_position ON funding_payments (position_id);

CREATE TABLE IF NOT EXISTS strategy_state (
	name       text PRIMARY KEY,
	state_data jsonb NOT NULL,
	updated_at timestamptz NOT NULL
);`

const positionColumns = `id, symbol, long_venue, short_venue, size_usd, qty, leverage,
	entry_long_price, entry_short_price, entry_long_rate, entry_short_rate,
	entry_divergence, current_divergence, cumulative_funding_usd,
	total_fees_usd, realized_pnl_usd, status, exit_reason, opened_at,
	last_check_at, closed_at, metadata`

// PostgresStore is the production journal backend.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings, and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing connection without touching the schema.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, pos *types.Position) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row, err := toRow(pos)
	if err != nil {
		return fmt.Errorf("create position %s: %w", pos.ID, err)
	}
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES (:id, :symbol, :long_venue, :short_venue, :size_usd, :qty, :leverage,
			:entry_long_price, :entry_short_price, :entry_long_rate, :entry_short_rate,
			:entry_divergence, :current_divergence, :cumulative_funding_usd,
			:total_fees_usd, :realized_pnl_usd, :status, :exit_reason, :opened_at,
			:last_check_at, :closed_at, :metadata)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create position %s: %w", pos.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, pos *types.Position) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row, err := toRow(pos)
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.ID, err)
	}
	query := `
		UPDATE positions SET
			symbol = :symbol,
			long_venue = :long_venue,
			short_venue = :short_venue,
			size_usd = :size_usd,
			qty = :qty,
			leverage = :leverage,
			entry_long_price = :entry_long_price,
			entry_short_price = :entry_short_price,
			entry_long_rate = :entry_long_rate,
			entry_short_rate = :entry_short_rate,
			entry_divergence = :entry_divergence,
			current_divergence = :current_divergence,
			cumulative_funding_usd = :cumulative_funding_usd,
			total_fees_usd = :total_fees_usd,
			realized_pnl_usd = :realized_pnl_usd,
			status = :status,
			exit_reason = :exit_reason,
			opened_at = :opened_at,
			last_check_at = :last_check_at,
			closed_at = :closed_at,
			metadata = :metadata
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.ID, err)
	}
	return requireRow(res, fmt.Sprintf("update position %s", pos.ID))
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, reason types.ExitReason, realizedPnlUSD decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE positions
		SET status = $1, exit_reason = $2, realized_pnl_usd = $3, closed_at = $4
		WHERE id = $5`
	res, err := s.db.ExecContext(ctx, query,
		string(types.PosClosed), string(reason), realizedPnlUSD, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("close position %s", id))
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	pos, err := scanPosition(s.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get position %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return pos, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]*types.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ($1, $2, $3)
		ORDER BY opened_at, id`
	rows, err := s.db.QueryxContext(ctx, query,
		string(types.PosOpening), string(types.PosOpen), string(types.PosClosing))
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("list open positions: %w", err)
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordFunding(ctx context.Context, p types.FundingPayment) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		INSERT INTO funding_payments (id, position_id, venue, symbol, amount_usd, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.PositionID, p.Venue, p.Symbol, p.AmountUSD, p.PaidAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Unique (venue, symbol, paid_at): the payment is already recorded.
			return false, nil
		}
		return false, fmt.Errorf("record funding for %s: %w", p.PositionID, err)
	}
	return true, nil
}

func (s *PostgresStore) ListFunding(ctx context.Context, positionID string) ([]types.FundingPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, position_id, venue, symbol, amount_usd, paid_at
		FROM funding_payments
		WHERE position_id = $1
		ORDER BY paid_at`
	rows, err := s.db.QueryxContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("list funding for %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []types.FundingPayment
	for rows.Next() {
		var p types.FundingPayment
		if err := rows.Scan(&p.ID, &p.PositionID, &p.Venue, &p.Symbol, &p.AmountUSD, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("list funding for %s: %w", positionID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list funding for %s: %w", positionID, err)
	}
	return out, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, name string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", name, err)
	}
	query := `
		INSERT INTO strategy_state (name, state_data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, query, name, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("save state %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context, name string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var data []byte
	err := s.db.QueryRowxContext(ctx, `SELECT state_data FROM strategy_state WHERE name = $1`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load state %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("load state %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal state %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// positionRow is the positions table shape. Nullable columns use sql/decimal
// null wrappers; metadata travels as raw JSONB bytes.
type positionRow struct {
	ID                   string              `db:"id"`
	Symbol               string              `db:"symbol"`
	LongVenue            string              `db:"long_venue"`
	ShortVenue           string              `db:"short_venue"`
	SizeUSD              decimal.Decimal     `db:"size_usd"`
	Qty                  decimal.Decimal     `db:"qty"`
	Leverage             int                 `db:"leverage"`
	EntryLongPrice       decimal.Decimal     `db:"entry_long_price"`
	EntryShortPrice      decimal.Decimal     `db:"entry_short_price"`
	EntryLongRate        decimal.Decimal     `db:"entry_long_rate"`
	EntryShortRate       decimal.Decimal     `db:"entry_short_rate"`
	EntryDivergence      decimal.Decimal     `db:"entry_divergence"`
	CurrentDivergence    decimal.NullDecimal `db:"current_divergence"`
	CumulativeFundingUSD decimal.Decimal     `db:"cumulative_funding_usd"`
	TotalFeesUSD         decimal.Decimal     `db:"total_fees_usd"`
	RealizedPnlUSD       decimal.NullDecimal `db:"realized_pnl_usd"`
	Status               string              `db:"status"`
	ExitReason           sql.NullString      `db:"exit_reason"`
	OpenedAt             time.Time           `db:"opened_at"`
	LastCheckAt          sql.NullTime        `db:"last_check_at"`
	ClosedAt             sql.NullTime        `db:"closed_at"`
	Metadata             []byte              `db:"metadata"`
}

func toRow(p *types.Position) (positionRow, error) {
	meta := []byte(`{}`)
	if len(p.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(p.Metadata)
		if err != nil {
			return positionRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	terminal := p.Status == types.PosClosed || p.Status == types.PosFailed
	return positionRow{
		ID:                   p.ID,
		Symbol:               p.Symbol,
		LongVenue:            p.LongVenue,
		ShortVenue:           p.ShortVenue,
		SizeUSD:              p.SizeUSD,
		Qty:                  p.Qty,
		Leverage:             p.Leverage,
		EntryLongPrice:       p.EntryLongPrice,
		EntryShortPrice:      p.EntryShortPrice,
		EntryLongRate:        p.EntryLongRate,
		EntryShortRate:       p.EntryShortRate,
		EntryDivergence:      p.EntryDivergence,
		CurrentDivergence:    decimal.NullDecimal{Decimal: p.CurrentDivergence, Valid: true},
		CumulativeFundingUSD: p.CumulativeFundingUSD,
		TotalFeesUSD:         p.TotalFeesUSD,
		RealizedPnlUSD:       decimal.NullDecimal{Decimal: p.RealizedPnlUSD, Valid: terminal},
		Status:               string(p.Status),
		ExitReason:           sql.NullString{String: string(p.ExitReason), Valid: p.ExitReason != ""},
		OpenedAt:             p.OpenedAt.UTC(),
		LastCheckAt:          nullTime(p.LastCheckAt),
		ClosedAt:             nullTime(p.ClosedAt),
		Metadata:             meta,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var r positionRow
	err := row.Scan(
		&r.ID, &r.Symbol, &r.LongVenue, &r.ShortVenue, &r.SizeUSD, &r.Qty, &r.Leverage,
		&r.EntryLongPrice, &r.EntryShortPrice, &r.EntryLongRate, &r.EntryShortRate,
		&r.EntryDivergence, &r.CurrentDivergence, &r.CumulativeFundingUSD,
		&r.TotalFeesUSD, &r.RealizedPnlUSD, &r.Status, &r.ExitReason, &r.OpenedAt,
		&r.LastCheckAt, &r.ClosedAt, &r.Metadata)
	if err != nil {
		return nil, err
	}

	pos := &types.Position{
		ID:                   r.ID,
		Symbol:               r.Symbol,
		LongVenue:            r.LongVenue,
		ShortVenue:           r.ShortVenue,
		SizeUSD:              r.SizeUSD,
		Qty:                  r.Qty,
		Leverage:             r.Leverage,
		EntryLongPrice:       r.EntryLongPrice,
		EntryShortPrice:      r.EntryShortPrice,
		EntryLongRate:        r.EntryLongRate,
		EntryShortRate:       r.EntryShortRate,
		EntryDivergence:      r.EntryDivergence,
		CurrentDivergence:    r.CurrentDivergence.Decimal,
		CumulativeFundingUSD: r.CumulativeFundingUSD,
		TotalFeesUSD:         r.TotalFeesUSD,
		RealizedPnlUSD:       r.RealizedPnlUSD.Decimal,
		Status:               types.PositionStatus(r.Status),
		ExitReason:           types.ExitReason(r.ExitReason.String),
		OpenedAt:             r.OpenedAt,
	}
	if r.LastCheckAt.Valid {
		t := r.LastCheckAt.Time
		pos.LastCheckAt = &t
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		pos.ClosedAt = &t
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &pos.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return pos, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
