package features

import (
	"math"
	"sort"
	"strings"
	"time"

	"equicast/internal/domain"
	"equicast/internal/indicator"
)

const (
	returnWindowShort = 1
	returnWindowMid   = 5
	returnWindowLong  = 20
	volatilityWindow  = 20
	volumeWindow      = 20
	sectorCorrWindow  = 20
	volRegimeWindow   = 50

	trendStrengthThreshold = 0.02
	volatilityRegimeFactor = 1.5
)

// Engine derives versioned feature rows from raw daily bars. It is pure:
// the same input series always yields the same rows.
type Engine struct {
	version string
}

func NewEngine(version string) *Engine {
	if version == "" {
		version = domain.FeatureVersion
	}
	return &Engine{version: version}
}

// BuildRows computes one FeatureRow per primary bar whose full indicator
// window is available. Sector and peer features degrade to NaN when the
// index or peer series have no bar for a date; a missing index series never
// aborts the run. An empty primary series returns NoDataError.
func (e *Engine) BuildRows(primary, index []*domain.PriceBar, peers [][]*domain.PriceBar) ([]domain.FeatureRow, error) {
	bars := normalizeBars(primary)
	if len(bars) == 0 {
		return nil, &domain.NoDataError{Symbol: symbolOf(primary), Stage: "feature-engineering"}
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	sma5 := indicator.SMA(closes, 5)
	sma20 := indicator.SMA(closes, 20)
	sma50 := indicator.SMA(closes, 50)
	ema12 := indicator.EMA(closes, 12)
	ema26 := indicator.EMA(closes, 26)
	rsi14 := indicator.RSI(closes, indicator.RSIPeriod)
	macdLine, macdSignal, macdHist := indicator.MACD(closes)
	bbUpper, bbMid, bbLower := indicator.Bollinger(closes, indicator.BollingerPeriod, indicator.BollingerStdDevs)
	atr14 := indicator.ATR(highs, lows, closes, indicator.ATRPeriod)
	obv := indicator.OBV(closes, volumes)

	ret1 := indicator.PctChange(closes, returnWindowShort)
	ret5 := indicator.PctChange(closes, returnWindowMid)
	ret20 := indicator.PctChange(closes, returnWindowLong)
	vol20 := indicator.RollingStd(ret1, volatilityWindow)
	vol50Mean := indicator.RollingMean(vol20, volRegimeWindow)

	volSMA20 := indicator.RollingMean(volumes, volumeWindow)
	volumeRatio := nanSeries(len(bars))
	for i := range bars {
		if !math.IsNaN(volSMA20[i]) && volSMA20[i] != 0 {
			volumeRatio[i] = volumes[i] / volSMA20[i]
		}
	}

	idxClose := alignByDate(bars, index)
	idxRet := pctChangeAligned(idxClose)
	idxCorr := indicator.RollingCorr(ret1, idxRet, sectorCorrWindow)
	relStrength := nanSeries(len(bars))
	for i := range bars {
		if !math.IsNaN(idxClose[i]) && idxClose[i] != 0 {
			relStrength[i] = closes[i] / idxClose[i]
		}
	}

	peerRet := crossSectionalPeerReturns(bars, peers)
	peerCorr := indicator.RollingCorr(ret1, peerRet, sectorCorrWindow)

	rows := make([]domain.FeatureRow, 0, len(bars))
	for i, b := range bars {
		regime, strength := classifyRegime(sma5[i], sma20[i], sma50[i], vol20[i], vol50Mean[i])
		row := domain.FeatureRow{
			Symbol:         b.Symbol,
			Timestamp:      b.Timestamp.UTC(),
			FeatureVersion: e.version,

			SMA5:  sma5[i],
			SMA20: sma20[i],
			SMA50: sma50[i],
			EMA12: ema12[i],
			EMA26: ema26[i],

			RSI14:          rsi14[i],
			MACD:           macdLine[i],
			MACDSignal:     macdSignal[i],
			MACDHistogram:  macdHist[i],
			BollingerUpper: bbUpper[i],
			BollingerMid:   bbMid[i],
			BollingerLower: bbLower[i],
			ATR14:          atr14[i],
			OBV:            obv[i],

			Return1D:     ret1[i],
			Return5D:     ret5[i],
			Return20D:    ret20[i],
			Volatility20: vol20[i],

			VolumeSMA20: volSMA20[i],
			VolumeRatio: volumeRatio[i],

			IndexCorrelation: idxCorr[i],
			PeerCorrelation:  peerCorr[i],
			RelativeStrength: relStrength[i],

			Regime:        regime,
			TrendStrength: strength,
		}
		if !coreComplete(row) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// classifyRegime applies the moving-average ordering rules. The first
// matching condition wins: trend regimes take priority over high volatility,
// and ranging is the default.
func classifyRegime(sma5, sma20, sma50, vol20, vol50Mean float64) (string, float64) {
	if math.IsNaN(sma5) || math.IsNaN(sma20) || math.IsNaN(sma50) || sma50 == 0 {
		return "", math.NaN()
	}
	strength := math.Abs(sma5-sma50) / sma50

	switch {
	case sma5 > sma20 && sma20 > sma50 && strength > trendStrengthThreshold:
		return domain.RegimeTrendingUp, strength
	case sma5 < sma20 && sma20 < sma50 && strength > trendStrengthThreshold:
		return domain.RegimeTrendingDown, strength
	case !math.IsNaN(vol20) && !math.IsNaN(vol50Mean) && vol20 > vol50Mean*volatilityRegimeFactor:
		return domain.RegimeHighVolatility, strength
	default:
		return domain.RegimeRanging, strength
	}
}

// coreComplete reports whether every non-optional feature is defined. Sector
// and peer columns are optional and may legitimately stay NaN.
func coreComplete(row domain.FeatureRow) bool {
	if row.Regime == "" {
		return false
	}
	required := []float64{
		row.SMA5, row.SMA20, row.SMA50, row.EMA12, row.EMA26,
		row.RSI14, row.MACD, row.MACDSignal, row.MACDHistogram,
		row.BollingerUpper, row.BollingerMid, row.BollingerLower,
		row.ATR14, row.OBV,
		row.Return1D, row.Return5D, row.Return20D, row.Volatility20,
		row.VolumeSMA20, row.VolumeRatio,
		row.TrendStrength,
	}
	for _, v := range required {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

func normalizeBars(in []*domain.PriceBar) []*domain.PriceBar {
	out := make([]*domain.PriceBar, 0, len(in))
	for _, b := range in {
		if b == nil {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// alignByDate projects the other series onto the primary's calendar dates.
// Dates with no exact match stay NaN; nothing is forward-filled.
func alignByDate(primary []*domain.PriceBar, other []*domain.PriceBar) []float64 {
	out := nanSeries(len(primary))
	if len(other) == 0 {
		return out
	}
	byDate := make(map[string]float64, len(other))
	for _, b := range other {
		if b == nil {
			continue
		}
		byDate[dateKey(b.Timestamp)] = b.Close
	}
	for i, b := range primary {
		if v, ok := byDate[dateKey(b.Timestamp)]; ok {
			out[i] = v
		}
	}
	return out
}

// pctChangeAligned is PctChange over a series that may contain NaN holes;
// a hole poisons only the positions that depend on it.
func pctChangeAligned(values []float64) []float64 {
	out := nanSeries(len(values))
	for i := 1; i < len(values); i++ {
		if math.IsNaN(values[i]) || math.IsNaN(values[i-1]) || values[i-1] == 0 {
			continue
		}
		out[i] = values[i]/values[i-1] - 1
	}
	return out
}

// crossSectionalPeerReturns is, per primary date, the mean 1-day return
// across the peers that have data for that date.
func crossSectionalPeerReturns(primary []*domain.PriceBar, peers [][]*domain.PriceBar) []float64 {
	out := nanSeries(len(primary))
	if len(peers) == 0 {
		return out
	}

	perPeer := make([]map[string]float64, 0, len(peers))
	for _, series := range peers {
		bars := normalizeBars(series)
		if len(bars) == 0 {
			continue
		}
		closes := make([]float64, len(bars))
		for i, b := range bars {
			closes[i] = b.Close
		}
		rets := indicator.PctChange(closes, 1)
		byDate := make(map[string]float64, len(bars))
		for i, b := range bars {
			if !math.IsNaN(rets[i]) {
				byDate[dateKey(b.Timestamp)] = rets[i]
			}
		}
		perPeer = append(perPeer, byDate)
	}
	if len(perPeer) == 0 {
		return out
	}

	for i, b := range primary {
		key := dateKey(b.Timestamp)
		sum := 0.0
		count := 0
		for _, byDate := range perPeer {
			if v, ok := byDate[key]; ok {
				sum += v
				count++
			}
		}
		if count > 0 {
			out[i] = sum / float64(count)
		}
	}
	return out
}

func dateKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

func symbolOf(bars []*domain.PriceBar) string {
	for _, b := range bars {
		if b != nil && b.Symbol != "" {
			return strings.ToUpper(b.Symbol)
		}
	}
	return ""
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
