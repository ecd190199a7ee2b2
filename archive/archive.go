package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"github.com/google/uuid"
)

// Archive persists the trade, settlement and claim history alongside raw
// oracle samples. The hot path lives in the key-value state; this store only
// answers historical queries and feeds reconciliation exports.
type Archive struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("archive path must be configured")

// ErrSettlementNotFound is returned when a market has no recorded settlement.
var ErrSettlementNotFound = errors.New("archive: settlement not found")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Archive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases database resources.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// TradeRow captures one executed purchase. Amounts stay in their canonical
// decimal-string form so values wider than int64 survive unchanged.
type TradeRow struct {
	ID         string
	MarketID   string
	Buyer      string
	Side       string
	Amount     string
	Cost       string
	Fee        string
	Refund     string
	Price      string
	Counter    string
	RecordedAt time.Time
}

// SettlementRow captures the single settlement transition of a market.
type SettlementRow struct {
	MarketID     string
	FinalScore   string
	LongWon      bool
	LongReserve  string
	ShortReserve string
	PayoutPool   string
	ProtocolFees string
	Digest       string
	RecordedAt   time.Time
}

// ClaimRow captures one successful reward claim.
type ClaimRow struct {
	MarketID   string
	Account    string
	Payout     string
	RecordedAt time.Time
}

// SampleRow captures one oracle score observation.
type SampleRow struct {
	Subject    string
	Score      string
	Source     string
	ObservedAt int64
	RecordedAt time.Time
}

// RecordTrade persists an executed purchase. A row id is assigned when the
// caller leaves it empty.
func (a *Archive) RecordTrade(ctx context.Context, row TradeRow) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive not configured")
	}
	if strings.TrimSpace(row.MarketID) == "" {
		return fmt.Errorf("trade market id required")
	}
	id := strings.TrimSpace(row.ID)
	if id == "" {
		id = uuid.NewString()
	}
	recorded := row.RecordedAt.UTC()
	if row.RecordedAt.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO trades(id, market_id, buyer, side, amount, cost, fee, refund, price, counter, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, id, row.MarketID, row.Buyer, row.Side, row.Amount, row.Cost, row.Fee, row.Refund, row.Price, row.Counter, recorded)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecordSettlement persists the settlement outcome. Replays of the same
// market overwrite the previous row so restarts stay idempotent.
func (a *Archive) RecordSettlement(ctx context.Context, row SettlementRow) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive not configured")
	}
	if strings.TrimSpace(row.MarketID) == "" {
		return fmt.Errorf("settlement market id required")
	}
	recorded := row.RecordedAt.UTC()
	if row.RecordedAt.IsZero() {
		recorded = time.Now().UTC()
	}
	longWon := 0
	if row.LongWon {
		longWon = 1
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO settlements(market_id, final_score, long_won, long_reserve, short_reserve, payout_pool, protocol_fees, digest, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(market_id) DO UPDATE SET
            final_score=excluded.final_score,
            long_won=excluded.long_won,
            long_reserve=excluded.long_reserve,
            short_reserve=excluded.short_reserve,
            payout_pool=excluded.payout_pool,
            protocol_fees=excluded.protocol_fees,
            digest=excluded.digest,
            recorded_at=excluded.recorded_at
    `, row.MarketID, row.FinalScore, longWon, row.LongReserve, row.ShortReserve, row.PayoutPool, row.ProtocolFees, row.Digest, recorded)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// RecordClaim persists a reward disbursement.
func (a *Archive) RecordClaim(ctx context.Context, row ClaimRow) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive not configured")
	}
	if strings.TrimSpace(row.MarketID) == "" {
		return fmt.Errorf("claim market id required")
	}
	recorded := row.RecordedAt.UTC()
	if row.RecordedAt.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO claims(market_id, account, payout, recorded_at)
        VALUES(?, ?, ?, ?)
    `, row.MarketID, row.Account, row.Payout, recorded)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// RecordSample persists a raw oracle observation.
func (a *Archive) RecordSample(ctx context.Context, row SampleRow) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive not configured")
	}
	subject := strings.TrimSpace(row.Subject)
	if subject == "" {
		return fmt.Errorf("sample subject required")
	}
	recorded := row.RecordedAt.UTC()
	if row.RecordedAt.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(subject, score, source, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, subject, row.Score, strings.ToLower(strings.TrimSpace(row.Source)), row.ObservedAt, recorded)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Trades returns the most recent trades for a market, newest first. A
// non-positive limit returns every row.
func (a *Archive) Trades(ctx context.Context, marketID string, limit int) ([]TradeRow, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	query := `
        SELECT id, market_id, buyer, side, amount, cost, fee, refund, price, counter, recorded_at
        FROM trades
        WHERE market_id = ?
        ORDER BY recorded_at DESC, id DESC
    `
	args := []interface{}{marketID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	var out []TradeRow
	for rows.Next() {
		var row TradeRow
		if err := rows.Scan(&row.ID, &row.MarketID, &row.Buyer, &row.Side, &row.Amount, &row.Cost, &row.Fee, &row.Refund, &row.Price, &row.Counter, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}

// Settlement returns the settlement outcome for a market.
func (a *Archive) Settlement(ctx context.Context, marketID string) (SettlementRow, error) {
	result := SettlementRow{}
	if a == nil || a.db == nil {
		return result, fmt.Errorf("archive not configured")
	}
	row := a.db.QueryRowContext(ctx, `
        SELECT market_id, final_score, long_won, long_reserve, short_reserve, payout_pool, protocol_fees, digest, recorded_at
        FROM settlements
        WHERE market_id = ?
    `, marketID)
	var longWon int
	if err := row.Scan(&result.MarketID, &result.FinalScore, &longWon, &result.LongReserve, &result.ShortReserve, &result.PayoutPool, &result.ProtocolFees, &result.Digest, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrSettlementNotFound
		}
		return result, fmt.Errorf("query settlement: %w", err)
	}
	result.LongWon = longWon != 0
	return result, nil
}

// Settlements returns every recorded settlement ordered by recording time.
func (a *Archive) Settlements(ctx context.Context) ([]SettlementRow, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT market_id, final_score, long_won, long_reserve, short_reserve, payout_pool, protocol_fees, digest, recorded_at
        FROM settlements
        ORDER BY recorded_at ASC, market_id ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()
	var out []SettlementRow
	for rows.Next() {
		var row SettlementRow
		var longWon int
		if err := rows.Scan(&row.MarketID, &row.FinalScore, &longWon, &row.LongReserve, &row.ShortReserve, &row.PayoutPool, &row.ProtocolFees, &row.Digest, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		row.LongWon = longWon != 0
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}

// Claims returns all recorded claims for a market in recording order.
func (a *Archive) Claims(ctx context.Context, marketID string) ([]ClaimRow, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT market_id, account, payout, recorded_at
        FROM claims
        WHERE market_id = ?
        ORDER BY recorded_at ASC, id ASC
    `, marketID)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()
	var out []ClaimRow
	for rows.Next() {
		var row ClaimRow
		if err := rows.Scan(&row.MarketID, &row.Account, &row.Payout, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return out, nil
}

// Samples returns the most recent oracle observations for a subject.
func (a *Archive) Samples(ctx context.Context, subject string, limit int) ([]SampleRow, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	query := `
        SELECT subject, score, source, observed_at, recorded_at
        FROM oracle_samples
        WHERE subject = ?
        ORDER BY observed_at DESC, id DESC
    `
	args := []interface{}{strings.TrimSpace(subject)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var out []SampleRow
	for rows.Next() {
		var row SampleRow
		if err := rows.Scan(&row.Subject, &row.Score, &row.Source, &row.ObservedAt, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// Volume sums the curve cost of every recorded trade for a market. Costs are
// summed as big integers because wei-scale values overflow int64.
func (a *Archive) Volume(ctx context.Context, marketID string) (*big.Int, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT cost FROM trades WHERE market_id = ?
    `, marketID)
	if err != nil {
		return nil, fmt.Errorf("query volume: %w", err)
	}
	defer rows.Close()
	total := big.NewInt(0)
	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return nil, fmt.Errorf("scan cost: %w", err)
		}
		stored = strings.TrimSpace(stored)
		if stored == "" {
			continue
		}
		amt := new(big.Int)
		if _, ok := amt.SetString(stored, 10); !ok {
			return nil, fmt.Errorf("parse cost: %q", stored)
		}
		total.Add(total, amt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate volume: %w", err)
	}
	return total, nil
}

// TradeCount reports how many trades the market has recorded.
func (a *Archive) TradeCount(ctx context.Context, marketID string) (int64, error) {
	if a == nil || a.db == nil {
		return 0, fmt.Errorf("archive not configured")
	}
	row := a.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM trades WHERE market_id = ?
    `, marketID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL,
    buyer TEXT NOT NULL,
    side TEXT NOT NULL,
    amount TEXT NOT NULL,
    cost TEXT NOT NULL,
    fee TEXT NOT NULL,
    refund TEXT NOT NULL,
    price TEXT NOT NULL,
    counter TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades(market_id, recorded_at);

CREATE TABLE IF NOT EXISTS settlements (
    market_id TEXT PRIMARY KEY,
    final_score TEXT NOT NULL,
    long_won INTEGER NOT NULL,
    long_reserve TEXT NOT NULL,
    short_reserve TEXT NOT NULL,
    payout_pool TEXT NOT NULL,
    protocol_fees TEXT NOT NULL,
    digest TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id TEXT NOT NULL,
    account TEXT NOT NULL,
    payout TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_market ON claims(market_id, recorded_at);

CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject TEXT NOT NULL,
    score TEXT NOT NULL,
    source TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_subject_ts ON oracle_samples(subject, observed_at);
`
