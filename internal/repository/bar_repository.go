package repository

import (
	"context"
	"errors"
	"time"

	"equicast/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BarRepository stores daily OHLCV bars keyed by (symbol, ts). Bars are
// treated as immutable; a re-upsert of the same key overwrites in place to
// absorb upstream restatements.
type BarRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewBarRepository(pool PgxPool, tracer trace.Tracer) *BarRepository {
	return &BarRepository{pool: pool, tracer: tracer}
}

func (r *BarRepository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS market_bars (
			symbol TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			adjusted_close DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, ts)
		)`)
	return err
}

func (r *BarRepository) UpsertBars(ctx context.Context, bars []*domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "bar-repo.upsert-bars")
	defer span.End()

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO market_bars (symbol, ts, open, high, low, close, volume, adjusted_close)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (symbol, ts) DO UPDATE SET
			     open = EXCLUDED.open,
			     high = EXCLUDED.high,
			     low = EXCLUDED.low,
			     close = EXCLUDED.close,
			     volume = EXCLUDED.volume,
			     adjusted_close = EXCLUDED.adjusted_close`,
			b.Symbol, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume, b.AdjustedClose,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range bars {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRange returns bars inside [from, to], oldest first.
func (r *BarRepository) ListRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.PriceBar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.list-range")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT symbol, ts, open, high, low, close, volume, adjusted_close
		 FROM market_bars
		 WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		 ORDER BY ts ASC`,
		symbol, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBars(rows)
}

// ListRecent returns the newest limit bars, oldest first.
func (r *BarRepository) ListRecent(ctx context.Context, symbol string, limit int) ([]*domain.PriceBar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.list-recent")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT symbol, ts, open, high, low, close, volume, adjusted_close
		 FROM market_bars
		 WHERE symbol = $1
		 ORDER BY ts DESC
		 LIMIT $2`,
		symbol, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Latest returns the most recent bar for a symbol; nil when none is stored.
func (r *BarRepository) Latest(ctx context.Context, symbol string) (*domain.PriceBar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.latest")
	defer span.End()

	b := &domain.PriceBar{}
	err := r.pool.QueryRow(ctx,
		`SELECT symbol, ts, open, high, low, close, volume, adjusted_close
		 FROM market_bars
		 WHERE symbol = $1
		 ORDER BY ts DESC
		 LIMIT 1`,
		symbol,
	).Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.AdjustedClose)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetOnDate returns the bar whose timestamp falls on the given calendar day
// (UTC); nil when the market had no bar that day.
func (r *BarRepository) GetOnDate(ctx context.Context, symbol string, date time.Time) (*domain.PriceBar, error) {
	_, span := r.tracer.Start(ctx, "bar-repo.get-on-date")
	defer span.End()

	day := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	b := &domain.PriceBar{}
	err := r.pool.QueryRow(ctx,
		`SELECT symbol, ts, open, high, low, close, volume, adjusted_close
		 FROM market_bars
		 WHERE symbol = $1 AND ts >= $2 AND ts < $3
		 ORDER BY ts DESC
		 LIMIT 1`,
		symbol, day, day.AddDate(0, 0, 1),
	).Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.AdjustedClose)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanBars(rows pgx.Rows) ([]*domain.PriceBar, error) {
	var bars []*domain.PriceBar
	for rows.Next() {
		b := &domain.PriceBar{}
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.AdjustedClose); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
