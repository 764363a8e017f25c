// Package registry persists fitted model versions and tracks which one is
// in production for each model name.
package registry

import (
	"context"
	"errors"

	"equicast/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
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
		CREATE TABLE IF NOT EXISTS model_registry (
			model_name TEXT NOT NULL,
			model_version TEXT NOT NULL,
			model_type TEXT NOT NULL,
			feature_version TEXT NOT NULL DEFAULT '',
			trained_at TIMESTAMPTZ NOT NULL,
			training_data_start TIMESTAMPTZ NOT NULL,
			training_data_end TIMESTAMPTZ NOT NULL,
			training_samples INTEGER NOT NULL DEFAULT 0,
			hyperparameters TEXT NOT NULL DEFAULT '{}',
			metrics TEXT NOT NULL DEFAULT '{}',
			feature_columns TEXT[] NOT NULL DEFAULT '{}',
			artifact_format TEXT NOT NULL DEFAULT '',
			artifact BYTEA,
			is_production BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (model_name, model_version)
		)`)
	return err
}

const modelColumns = `model_name, model_version, model_type, feature_version,
	trained_at, training_data_start, training_data_end, training_samples,
	hyperparameters, metrics, feature_columns, artifact_format, artifact, is_production`

// UpsertModelVersion registers a model version; re-registering the same
// (model_name, model_version) overwrites every stored field. The production
// flag is never set through this path.
func (r *Repository) UpsertModelVersion(ctx context.Context, model domain.ModelVersion) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.upsert-model-version")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO model_registry (
			model_name, model_version, model_type, feature_version,
			trained_at, training_data_start, training_data_end, training_samples,
			hyperparameters, metrics, feature_columns, artifact_format, artifact, is_production
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE)
		ON CONFLICT (model_name, model_version) DO UPDATE SET
			model_type = EXCLUDED.model_type,
			feature_version = EXCLUDED.feature_version,
			trained_at = EXCLUDED.trained_at,
			training_data_start = EXCLUDED.training_data_start,
			training_data_end = EXCLUDED.training_data_end,
			training_samples = EXCLUDED.training_samples,
			hyperparameters = EXCLUDED.hyperparameters,
			metrics = EXCLUDED.metrics,
			feature_columns = EXCLUDED.feature_columns,
			artifact_format = EXCLUDED.artifact_format,
			artifact = EXCLUDED.artifact
		RETURNING `+modelColumns,
		model.ModelName, model.ModelVersion, model.ModelType, model.FeatureVersion,
		model.TrainedAt.UTC(), model.TrainedFrom.UTC(), model.TrainedTo.UTC(), model.TrainingSamples,
		emptyToJSON(model.HyperparamsJSON), emptyToJSON(model.MetricsJSON),
		model.FeatureColumns, model.ArtifactFormat, model.ArtifactBlob,
	)
	return scanModel(row)
}

// GetModel fetches one exact version; nil when it does not exist.
func (r *Repository) GetModel(ctx context.Context, modelName, version string) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.get-model")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM model_registry WHERE model_name = $1 AND model_version = $2`,
		modelName, version,
	)
	model, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return model, err
}

// GetActiveModel fetches the production version for a model name; nil when
// none has been promoted.
func (r *Repository) GetActiveModel(ctx context.Context, modelName string) (*domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.get-active-model")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM model_registry WHERE model_name = $1 AND is_production = TRUE
		 ORDER BY trained_at DESC LIMIT 1`,
		modelName,
	)
	model, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return model, err
}

// ActivateModel atomically clears the production flag for the model name and
// sets it on exactly one version. pgx.ErrNoRows when the version is unknown.
func (r *Repository) ActivateModel(ctx context.Context, modelName, version string) error {
	_, span := r.tracer.Start(ctx, "registry-repo.activate-model")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE model_registry SET is_production = FALSE WHERE model_name = $1`,
		modelName,
	); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE model_registry SET is_production = TRUE WHERE model_name = $1 AND model_version = $2`,
		modelName, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return tx.Commit(ctx)
}

// ListModels returns every registered version for a name, newest first.
// Artifacts are omitted; load them with GetModel.
func (r *Repository) ListModels(ctx context.Context, modelName string) ([]domain.ModelVersion, error) {
	_, span := r.tracer.Start(ctx, "registry-repo.list-models")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT model_name, model_version, model_type, feature_version,
			trained_at, training_data_start, training_data_end, training_samples,
			hyperparameters, metrics, feature_columns, artifact_format, is_production
		FROM model_registry
		WHERE model_name = $1
		ORDER BY trained_at DESC`,
		modelName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelVersion
	for rows.Next() {
		var m domain.ModelVersion
		if err := rows.Scan(
			&m.ModelName, &m.ModelVersion, &m.ModelType, &m.FeatureVersion,
			&m.TrainedAt, &m.TrainedFrom, &m.TrainedTo, &m.TrainingSamples,
			&m.HyperparamsJSON, &m.MetricsJSON, &m.FeatureColumns, &m.ArtifactFormat, &m.IsProduction,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(row pgx.Row) (*domain.ModelVersion, error) {
	var m domain.ModelVersion
	if err := row.Scan(
		&m.ModelName, &m.ModelVersion, &m.ModelType, &m.FeatureVersion,
		&m.TrainedAt, &m.TrainedFrom, &m.TrainedTo, &m.TrainingSamples,
		&m.HyperparamsJSON, &m.MetricsJSON, &m.FeatureColumns, &m.ArtifactFormat,
		&m.ArtifactBlob, &m.IsProduction,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func emptyToJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
