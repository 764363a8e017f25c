package forecasts

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"equicast/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/trace"
)

func TestUpsertForecastSupersedesAndResetsResolution(t *testing.T) {
	pool := newForecastPoolStub()
	repo := NewRepository(pool, trace.NewNoopTracerProvider().Tracer("forecasts-test"))

	issued := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	forecast := domain.Forecast{
		Symbol:               "HDFCBANK.NS",
		IssuedAt:             issued,
		TargetDate:           issued.AddDate(0, 0, 1),
		PredictedPrice:       1503,
		ConfidenceLower:      1496,
		ConfidenceUpper:      1510,
		ConfidenceLevel:      0.95,
		ModelName:            "gbrt",
		ModelVersion:         "v1.0",
		FeatureVersion:       "v1",
		Direction:            domain.DirectionUp,
		DirectionProbability: 0.65,
		DetailsJSON:          `{"horizon_days":1}`,
	}

	first, err := repo.UpsertForecast(context.Background(), forecast)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// Resolve it, then supersede: the replacement must be unresolved again.
	if _, err := repo.ResolveForecast(context.Background(), first.ID, 1507, issued.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	forecast.PredictedPrice = 1505
	forecast.DetailsJSON = "not json"
	second, err := repo.UpsertForecast(context.Background(), forecast)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row id, got %d then %d", first.ID, second.ID)
	}
	if second.PredictedPrice != 1505 {
		t.Fatalf("expected updated price, got %v", second.PredictedPrice)
	}
	if second.ActualPrice != nil || second.ResolvedAt != nil {
		t.Fatal("superseding must clear the resolution")
	}
	if second.DetailsJSON != `{"raw":"invalid"}` {
		t.Fatalf("expected invalid details to be normalized, got %s", second.DetailsJSON)
	}
}

func TestResolveForecastIsOnceOnly(t *testing.T) {
	pool := newForecastPoolStub()
	repo := NewRepository(pool, trace.NewNoopTracerProvider().Tracer("forecasts-test"))

	issued := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	stored, err := repo.UpsertForecast(context.Background(), domain.Forecast{
		Symbol: "HDFCBANK.NS", IssuedAt: issued, TargetDate: issued.AddDate(0, 0, 1),
		PredictedPrice: 1500, ModelName: "gbrt", ModelVersion: "v1.0",
		Direction: domain.DirectionNeutral, DirectionProbability: 0.5,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	resolved, err := repo.ResolveForecast(context.Background(), stored.ID, 1510, issued.AddDate(0, 0, 2))
	if err != nil || !resolved {
		t.Fatalf("expected first resolve to succeed, got resolved=%v err=%v", resolved, err)
	}
	resolved, err = repo.ResolveForecast(context.Background(), stored.ID, 1520, issued.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("second resolve errored: %v", err)
	}
	if resolved {
		t.Fatal("resolving twice must be a no-op")
	}

	list, err := repo.ListBySymbol(context.Background(), "HDFCBANK.NS", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 forecast, got %d", len(list))
	}
	f := list[0]
	if f.ActualPrice == nil || *f.ActualPrice != 1510 {
		t.Fatalf("expected actual price 1510, got %v", f.ActualPrice)
	}
	// Error is signed: actual minus predicted.
	if f.ForecastError == nil || *f.ForecastError != 10 {
		t.Fatalf("expected forecast error 10, got %v", f.ForecastError)
	}
	if f.ResolvedAt == nil {
		t.Fatal("expected resolved timestamp")
	}
}

type forecastRecord struct {
	id             int64
	symbol         string
	issuedAt       time.Time
	targetDate     time.Time
	predicted      float64
	lower, upper   float64
	level          float64
	modelName      string
	modelVersion   string
	featureVersion string
	direction      string
	probability    float64
	details        string
	actual         *float64
	forecastError  *float64
	resolvedAt     *time.Time
}

type forecastPoolStub struct {
	nextID int64
	rows   map[string]forecastRecord
}

func newForecastPoolStub() *forecastPoolStub {
	return &forecastPoolStub{nextID: 1, rows: make(map[string]forecastRecord)}
}

func recordKey(symbol string, target time.Time, modelName, modelVersion string) string {
	return fmt.Sprintf("%s|%d|%s|%s", symbol, target.Unix(), modelName, modelVersion)
}

func (s *forecastPoolStub) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	id, ok := args[0].(int64)
	if !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	for key, row := range s.rows {
		if row.id == id && row.actual == nil {
			actual := args[1].(float64)
			resolvedAt := args[2].(time.Time)
			fcErr := actual - row.predicted
			row.actual = &actual
			row.forecastError = &fcErr
			row.resolvedAt = &resolvedAt
			s.rows[key] = row
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (s *forecastPoolStub) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	key := recordKey(args[0].(string), args[2].(time.Time), args[7].(string), args[8].(string))
	record, ok := s.rows[key]
	if !ok {
		record = forecastRecord{id: s.nextID}
		s.nextID++
	}
	record.symbol = args[0].(string)
	record.issuedAt = args[1].(time.Time)
	record.targetDate = args[2].(time.Time)
	record.predicted = args[3].(float64)
	record.lower = args[4].(float64)
	record.upper = args[5].(float64)
	record.level = args[6].(float64)
	record.modelName = args[7].(string)
	record.modelVersion = args[8].(string)
	record.featureVersion = args[9].(string)
	record.direction = args[10].(string)
	record.probability = args[11].(float64)
	record.details = args[12].(string)
	record.actual = nil
	record.forecastError = nil
	record.resolvedAt = nil
	s.rows[key] = record

	return forecastRowStub{record: record}
}

func (s *forecastPoolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	records := make([]forecastRecord, 0, len(s.rows))
	for _, row := range s.rows {
		records = append(records, row)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].targetDate.After(records[j].targetDate)
	})
	return &forecastRowsStub{records: records, pos: -1}, nil
}

type forecastRowStub struct {
	record forecastRecord
}

func (r forecastRowStub) Scan(dest ...any) error {
	return scanInto(r.record, dest)
}

type forecastRowsStub struct {
	records []forecastRecord
	pos     int
}

func (r *forecastRowsStub) Close()                                       {}
func (r *forecastRowsStub) Err() error                                   { return nil }
func (r *forecastRowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *forecastRowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *forecastRowsStub) Next() bool {
	r.pos++
	return r.pos < len(r.records)
}
func (r *forecastRowsStub) Scan(dest ...any) error {
	return scanInto(r.records[r.pos], dest)
}
func (r *forecastRowsStub) Values() ([]any, error) { return nil, nil }
func (r *forecastRowsStub) RawValues() [][]byte    { return nil }
func (r *forecastRowsStub) Conn() *pgx.Conn        { return nil }

func scanInto(record forecastRecord, dest []any) error {
	values := []any{
		record.id, record.symbol, record.issuedAt, record.targetDate,
		record.predicted, record.lower, record.upper, record.level,
		record.modelName, record.modelVersion, record.featureVersion,
		record.direction, record.probability, record.details,
		record.actual, record.forecastError, record.resolvedAt,
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *int64:
			*ptr = values[i].(int64)
		case *string:
			*ptr = values[i].(string)
		case *time.Time:
			*ptr = values[i].(time.Time)
		case *float64:
			*ptr = values[i].(float64)
		case *pgtype.Float8:
			v, ok := values[i].(*float64)
			if !ok || v == nil {
				*ptr = pgtype.Float8{}
			} else {
				*ptr = pgtype.Float8{Float64: *v, Valid: true}
			}
		case *pgtype.Timestamptz:
			v, ok := values[i].(*time.Time)
			if !ok || v == nil {
				*ptr = pgtype.Timestamptz{}
			} else {
				*ptr = pgtype.Timestamptz{Time: *v, Valid: true}
			}
		default:
			return fmt.Errorf("unsupported scan type %T", d)
		}
	}
	return nil
}
