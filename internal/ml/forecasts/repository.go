// Package forecasts persists issued price forecasts and their eventual
// resolution against realized closes.
package forecasts

import (
	"context"
	"encoding/json"
	"time"

	"equicast/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/trace"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewRepository(pool PgxPool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS forecasts (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			target_date TIMESTAMPTZ NOT NULL,
			predicted_price DOUBLE PRECISION NOT NULL,
			confidence_lower DOUBLE PRECISION NOT NULL,
			confidence_upper DOUBLE PRECISION NOT NULL,
			confidence_level DOUBLE PRECISION NOT NULL,
			model_name TEXT NOT NULL,
			model_version TEXT NOT NULL,
			feature_version TEXT NOT NULL DEFAULT '',
			predicted_direction TEXT NOT NULL,
			direction_probability DOUBLE PRECISION NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			actual_price DOUBLE PRECISION,
			forecast_error DOUBLE PRECISION,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (symbol, target_date, model_name, model_version)
		)`)
	return err
}

const forecastColumns = `id, symbol, issued_at, target_date,
	predicted_price, confidence_lower, confidence_upper, confidence_level,
	model_name, model_version, feature_version,
	predicted_direction, direction_probability, details,
	actual_price, forecast_error, resolved_at`

// UpsertForecast inserts a forecast or supersedes the existing one for the
// same (symbol, target_date, model_name, model_version). Superseding resets
// the resolution columns: the replacement has not been scored yet.
func (r *Repository) UpsertForecast(ctx context.Context, f domain.Forecast) (*domain.Forecast, error) {
	_, span := r.tracer.Start(ctx, "forecast-repo.upsert")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO forecasts (
			symbol, issued_at, target_date,
			predicted_price, confidence_lower, confidence_upper, confidence_level,
			model_name, model_version, feature_version,
			predicted_direction, direction_probability, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (symbol, target_date, model_name, model_version) DO UPDATE SET
			issued_at = EXCLUDED.issued_at,
			predicted_price = EXCLUDED.predicted_price,
			confidence_lower = EXCLUDED.confidence_lower,
			confidence_upper = EXCLUDED.confidence_upper,
			confidence_level = EXCLUDED.confidence_level,
			feature_version = EXCLUDED.feature_version,
			predicted_direction = EXCLUDED.predicted_direction,
			direction_probability = EXCLUDED.direction_probability,
			details = EXCLUDED.details,
			actual_price = NULL,
			forecast_error = NULL,
			resolved_at = NULL
		RETURNING `+forecastColumns,
		f.Symbol, f.IssuedAt.UTC(), f.TargetDate.UTC(),
		f.PredictedPrice, f.ConfidenceLower, f.ConfidenceUpper, f.ConfidenceLevel,
		f.ModelName, f.ModelVersion, f.FeatureVersion,
		string(f.Direction), f.DirectionProbability, normalizeDetails(f.DetailsJSON),
	)
	return scanForecast(row)
}

// ListBySymbol returns forecasts for a symbol, newest target date first.
func (r *Repository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]domain.Forecast, error) {
	_, span := r.tracer.Start(ctx, "forecast-repo.list-by-symbol")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+forecastColumns+` FROM forecasts
		 WHERE symbol = $1
		 ORDER BY target_date DESC, model_name ASC
		 LIMIT $2`,
		symbol, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanForecasts(rows)
}

// ListUnresolvedDue returns unresolved forecasts whose target date has
// passed, oldest first.
func (r *Repository) ListUnresolvedDue(ctx context.Context, now time.Time, limit int) ([]domain.Forecast, error) {
	_, span := r.tracer.Start(ctx, "forecast-repo.list-unresolved-due")
	defer span.End()

	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+forecastColumns+` FROM forecasts
		 WHERE actual_price IS NULL AND target_date <= $1
		 ORDER BY target_date ASC
		 LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanForecasts(rows)
}

// ResolveForecast fills the realized close exactly once. The error is signed
// as actual minus predicted. Returns false when the forecast was already
// resolved or does not exist.
func (r *Repository) ResolveForecast(ctx context.Context, id int64, actualPrice float64, resolvedAt time.Time) (bool, error) {
	_, span := r.tracer.Start(ctx, "forecast-repo.resolve")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`UPDATE forecasts
		 SET actual_price = $2,
		     forecast_error = $2 - predicted_price,
		     resolved_at = $3
		 WHERE id = $1 AND actual_price IS NULL`,
		id, actualPrice, resolvedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanForecasts(rows pgx.Rows) ([]domain.Forecast, error) {
	var out []domain.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanForecast(row pgx.Row) (*domain.Forecast, error) {
	var f domain.Forecast
	var direction string
	var actual, fcErr pgtype.Float8
	var resolved pgtype.Timestamptz
	if err := row.Scan(
		&f.ID, &f.Symbol, &f.IssuedAt, &f.TargetDate,
		&f.PredictedPrice, &f.ConfidenceLower, &f.ConfidenceUpper, &f.ConfidenceLevel,
		&f.ModelName, &f.ModelVersion, &f.FeatureVersion,
		&direction, &f.DirectionProbability, &f.DetailsJSON,
		&actual, &fcErr, &resolved,
	); err != nil {
		return nil, err
	}
	f.Direction = domain.ForecastDirection(direction)
	if actual.Valid {
		v := actual.Float64
		f.ActualPrice = &v
	}
	if fcErr.Valid {
		v := fcErr.Float64
		f.ForecastError = &v
	}
	if resolved.Valid {
		t := resolved.Time
		f.ResolvedAt = &t
	}
	return &f, nil
}

func normalizeDetails(details string) string {
	if details == "" {
		return "{}"
	}
	if !json.Valid([]byte(details)) {
		return `{"raw":"invalid"}`
	}
	return details
}
