package domain

import "time"

// FeatureVersion tags the exact feature set definition. Stored rows under an
// older version are never reinterpreted when the definition changes.
const FeatureVersion = "v1"

// PriceBar is one daily OHLCV observation, immutable once stored and keyed
// by (symbol, timestamp).
type PriceBar struct {
	Symbol        string    `json:"symbol"`
	Timestamp     time.Time `json:"timestamp"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        float64   `json:"volume"`
	AdjustedClose float64   `json:"adjusted_close"`
}

// Regime labels for a trading day. Exactly one applies per classified row.
const (
	RegimeTrendingUp     = "trending_up"
	RegimeTrendingDown   = "trending_down"
	RegimeHighVolatility = "high_volatility"
	RegimeRanging        = "ranging"
)

// Regimes lists every regime label in one-hot column order.
var Regimes = []string{
	RegimeHighVolatility,
	RegimeRanging,
	RegimeTrendingDown,
	RegimeTrendingUp,
}

// FeatureRow is the engineered feature set for one (symbol, timestamp,
// feature_version). Optional sector features hold NaN when the index or peer
// series had no matching date.
type FeatureRow struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	FeatureVersion string    `json:"feature_version"`

	SMA5  float64 `json:"sma_5"`
	SMA20 float64 `json:"sma_20"`
	SMA50 float64 `json:"sma_50"`
	EMA12 float64 `json:"ema_12"`
	EMA26 float64 `json:"ema_26"`

	RSI14          float64 `json:"rsi_14"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHistogram  float64 `json:"macd_histogram"`
	BollingerUpper float64 `json:"bollinger_upper"`
	BollingerMid   float64 `json:"bollinger_middle"`
	BollingerLower float64 `json:"bollinger_lower"`
	ATR14          float64 `json:"atr_14"`
	OBV            float64 `json:"obv"`

	Return1D     float64 `json:"returns_1d"`
	Return5D     float64 `json:"returns_5d"`
	Return20D    float64 `json:"returns_20d"`
	Volatility20 float64 `json:"volatility_20d"`

	VolumeSMA20 float64 `json:"volume_sma_20"`
	VolumeRatio float64 `json:"volume_ratio"`

	IndexCorrelation float64 `json:"correlation_sector_index"`
	PeerCorrelation  float64 `json:"correlation_sector_peers"`
	RelativeStrength float64 `json:"relative_strength_sector"`

	Regime        string  `json:"regime_classification"`
	TrendStrength float64 `json:"trend_strength"`
}

// ForecastDirection is the predicted movement relative to the latest close.
type ForecastDirection string

const (
	DirectionUp      ForecastDirection = "UP"
	DirectionDown    ForecastDirection = "DOWN"
	DirectionNeutral ForecastDirection = "NEUTRAL"
)

// Forecast is one point prediction for a future trading date. It is created
// at inference time and later mutated exactly once, when the target date's
// bar arrives, to fill ActualPrice and ForecastError.
type Forecast struct {
	ID                   int64             `json:"id"`
	Symbol               string            `json:"symbol"`
	IssuedAt             time.Time         `json:"issued_at"`
	TargetDate           time.Time         `json:"target_date"`
	PredictedPrice       float64           `json:"predicted_price"`
	ConfidenceLower      float64           `json:"confidence_lower"`
	ConfidenceUpper      float64           `json:"confidence_upper"`
	ConfidenceLevel      float64           `json:"confidence_level"`
	ModelName            string            `json:"model_name"`
	ModelVersion         string            `json:"model_version"`
	FeatureVersion       string            `json:"feature_version"`
	Direction            ForecastDirection `json:"predicted_direction"`
	DirectionProbability float64           `json:"direction_probability"`
	DetailsJSON          string            `json:"details,omitempty"`
	ActualPrice          *float64          `json:"actual_price,omitempty"`
	ForecastError        *float64          `json:"error,omitempty"`
	ResolvedAt           *time.Time        `json:"resolved_at,omitempty"`
}

// ModelVersion is a fitted model artifact plus the metadata needed to
// reproduce its predictions: hyperparameters, metrics, the feature column
// order the model was trained against, and the serialized parameters.
// Re-registering the same (ModelName, ModelVersion) overwrites the record.
type ModelVersion struct {
	ModelName       string    `json:"model_name"`
	ModelVersion    string    `json:"model_version"`
	ModelType       string    `json:"model_type"`
	FeatureVersion  string    `json:"feature_version"`
	TrainedAt       time.Time `json:"trained_at"`
	TrainedFrom     time.Time `json:"training_data_start"`
	TrainedTo       time.Time `json:"training_data_end"`
	TrainingSamples int       `json:"training_samples"`
	HyperparamsJSON string    `json:"hyperparameters"`
	MetricsJSON     string    `json:"metrics"`
	FeatureColumns  []string  `json:"feature_columns"`
	ArtifactFormat  string    `json:"artifact_format"`
	ArtifactBlob    []byte    `json:"-"`
	IsProduction    bool      `json:"is_production"`
}
