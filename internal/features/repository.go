package features

import (
	"context"
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

// Repository stores engineered feature rows keyed by
// (symbol, ts, feature_version); re-upserting a key overwrites the row.
type Repository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewRepository(pool PgxPool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS features_store (
			symbol TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			feature_version TEXT NOT NULL,
			sma_5 DOUBLE PRECISION,
			sma_20 DOUBLE PRECISION,
			sma_50 DOUBLE PRECISION,
			ema_12 DOUBLE PRECISION,
			ema_26 DOUBLE PRECISION,
			rsi_14 DOUBLE PRECISION,
			macd DOUBLE PRECISION,
			macd_signal DOUBLE PRECISION,
			macd_histogram DOUBLE PRECISION,
			bollinger_upper DOUBLE PRECISION,
			bollinger_middle DOUBLE PRECISION,
			bollinger_lower DOUBLE PRECISION,
			atr_14 DOUBLE PRECISION,
			obv DOUBLE PRECISION,
			returns_1d DOUBLE PRECISION,
			returns_5d DOUBLE PRECISION,
			returns_20d DOUBLE PRECISION,
			volatility_20d DOUBLE PRECISION,
			volume_sma_20 DOUBLE PRECISION,
			volume_ratio DOUBLE PRECISION,
			correlation_sector_index DOUBLE PRECISION,
			correlation_sector_peers DOUBLE PRECISION,
			relative_strength_sector DOUBLE PRECISION,
			regime_classification TEXT,
			trend_strength DOUBLE PRECISION,
			PRIMARY KEY (symbol, ts, feature_version)
		)`)
	return err
}

const featureColumns = `symbol, ts, feature_version,
	sma_5, sma_20, sma_50, ema_12, ema_26,
	rsi_14, macd, macd_signal, macd_histogram,
	bollinger_upper, bollinger_middle, bollinger_lower, atr_14, obv,
	returns_1d, returns_5d, returns_20d, volatility_20d,
	volume_sma_20, volume_ratio,
	correlation_sector_index, correlation_sector_peers, relative_strength_sector,
	regime_classification, trend_strength`

func (r *Repository) UpsertRows(ctx context.Context, rows []domain.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "feature-repo.upsert-rows")
	defer span.End()

	batch := &pgx.Batch{}
	for i := range rows {
		row := rows[i]
		batch.Queue(
			`INSERT INTO features_store (`+featureColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
			 ON CONFLICT (symbol, ts, feature_version) DO UPDATE SET
			     sma_5 = EXCLUDED.sma_5,
			     sma_20 = EXCLUDED.sma_20,
			     sma_50 = EXCLUDED.sma_50,
			     ema_12 = EXCLUDED.ema_12,
			     ema_26 = EXCLUDED.ema_26,
			     rsi_14 = EXCLUDED.rsi_14,
			     macd = EXCLUDED.macd,
			     macd_signal = EXCLUDED.macd_signal,
			     macd_histogram = EXCLUDED.macd_histogram,
			     bollinger_upper = EXCLUDED.bollinger_upper,
			     bollinger_middle = EXCLUDED.bollinger_middle,
			     bollinger_lower = EXCLUDED.bollinger_lower,
			     atr_14 = EXCLUDED.atr_14,
			     obv = EXCLUDED.obv,
			     returns_1d = EXCLUDED.returns_1d,
			     returns_5d = EXCLUDED.returns_5d,
			     returns_20d = EXCLUDED.returns_20d,
			     volatility_20d = EXCLUDED.volatility_20d,
			     volume_sma_20 = EXCLUDED.volume_sma_20,
			     volume_ratio = EXCLUDED.volume_ratio,
			     correlation_sector_index = EXCLUDED.correlation_sector_index,
			     correlation_sector_peers = EXCLUDED.correlation_sector_peers,
			     relative_strength_sector = EXCLUDED.relative_strength_sector,
			     regime_classification = EXCLUDED.regime_classification,
			     trend_strength = EXCLUDED.trend_strength`,
			row.Symbol, row.Timestamp.UTC(), row.FeatureVersion,
			row.SMA5, row.SMA20, row.SMA50, row.EMA12, row.EMA26,
			row.RSI14, row.MACD, row.MACDSignal, row.MACDHistogram,
			row.BollingerUpper, row.BollingerMid, row.BollingerLower, row.ATR14, row.OBV,
			row.Return1D, row.Return5D, row.Return20D, row.Volatility20,
			row.VolumeSMA20, row.VolumeRatio,
			row.IndexCorrelation, row.PeerCorrelation, row.RelativeStrength,
			row.Regime, row.TrendStrength,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRows returns rows for a symbol and feature version inside [from, to],
// ascending by timestamp.
func (r *Repository) ListRows(ctx context.Context, symbol, version string, from, to time.Time) ([]domain.FeatureRow, error) {
	_, span := r.tracer.Start(ctx, "feature-repo.list-rows")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+featureColumns+`
		 FROM features_store
		 WHERE symbol = $1 AND feature_version = $2 AND ts >= $3 AND ts <= $4
		 ORDER BY ts ASC`,
		symbol, version, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeatureRows(rows)
}

// ListRecent returns the most recent limit rows, ascending by timestamp.
func (r *Repository) ListRecent(ctx context.Context, symbol, version string, limit int) ([]domain.FeatureRow, error) {
	_, span := r.tracer.Start(ctx, "feature-repo.list-recent")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+featureColumns+`
		 FROM features_store
		 WHERE symbol = $1 AND feature_version = $2
		 ORDER BY ts DESC
		 LIMIT $3`,
		symbol, version, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanFeatureRows(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanFeatureRows(rows pgx.Rows) ([]domain.FeatureRow, error) {
	var out []domain.FeatureRow
	for rows.Next() {
		var row domain.FeatureRow
		if err := rows.Scan(
			&row.Symbol, &row.Timestamp, &row.FeatureVersion,
			&row.SMA5, &row.SMA20, &row.SMA50, &row.EMA12, &row.EMA26,
			&row.RSI14, &row.MACD, &row.MACDSignal, &row.MACDHistogram,
			&row.BollingerUpper, &row.BollingerMid, &row.BollingerLower, &row.ATR14, &row.OBV,
			&row.Return1D, &row.Return5D, &row.Return20D, &row.Volatility20,
			&row.VolumeSMA20, &row.VolumeRatio,
			&row.IndexCorrelation, &row.PeerCorrelation, &row.RelativeStrength,
			&row.Regime, &row.TrendStrength,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
