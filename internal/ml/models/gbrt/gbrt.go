// Package gbrt implements gradient boosted regression trees with
// second-order leaf weights, row/column subsampling and early stopping on a
// held-out validation set.
package gbrt

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const ModelType = "gbrt"

// Params are the boosting hyperparameters. Seed pins the row and column
// subsampling so training is reproducible.
type Params struct {
	Rounds          int     `json:"rounds"`
	MaxDepth        int     `json:"max_depth"`
	LearningRate    float64 `json:"learning_rate"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Gamma           float64 `json:"gamma"`
	Lambda          float64 `json:"lambda"`
	EarlyStopping   int     `json:"early_stopping_rounds"`
	Seed            int64   `json:"seed"`
}

func DefaultParams() Params {
	return Params{
		Rounds:          200,
		MaxDepth:        6,
		LearningRate:    0.05,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		MinChildWeight:  3,
		Gamma:           0.1,
		Lambda:          1.0,
		EarlyStopping:   20,
		Seed:            42,
	}
}

// Node is one tree node in a flattened tree. Internal nodes route on
// value < Threshold to Left, otherwise Right.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(v []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if v[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Model is a fitted ensemble. Leaf values carry the learning rate already,
// so a prediction is the base plus the plain sum of tree outputs.
type Model struct {
	Params       Params             `json:"params"`
	Base         float64            `json:"base_prediction"`
	Trees        []Tree             `json:"trees"`
	FeatureNames []string           `json:"feature_names,omitempty"`
	Gains        map[string]float64 `json:"feature_gains,omitempty"`
	BestRound    int                `json:"best_round"`
}

// Train fits the ensemble on squared loss. When a validation set is given,
// boosting stops once validation RMSE has not improved for
// EarlyStopping consecutive rounds, and the ensemble is trimmed back to its
// best round.
func Train(trainX [][]float64, trainY []float64, valX [][]float64, valY []float64, featureNames []string, params Params) (*Model, error) {
	if len(trainX) == 0 || len(trainX) != len(trainY) {
		return nil, fmt.Errorf("gbrt: train set has %d rows and %d targets", len(trainX), len(trainY))
	}
	cols := len(trainX[0])
	if cols == 0 {
		return nil, fmt.Errorf("gbrt: zero feature columns")
	}
	if featureNames != nil && len(featureNames) != cols {
		return nil, fmt.Errorf("gbrt: %d feature names for %d columns", len(featureNames), cols)
	}
	if len(valX) != len(valY) {
		return nil, fmt.Errorf("gbrt: validation set has %d rows and %d targets", len(valX), len(valY))
	}
	if params.Rounds <= 0 || params.MaxDepth <= 0 || params.LearningRate <= 0 {
		return nil, fmt.Errorf("gbrt: invalid params %+v", params)
	}

	base := 0.0
	for _, y := range trainY {
		base += y
	}
	base /= float64(len(trainY))

	model := &Model{
		Params:       params,
		Base:         base,
		FeatureNames: featureNames,
		Gains:        make(map[string]float64),
	}

	rng := rand.New(rand.NewSource(params.Seed))
	preds := make([]float64, len(trainY))
	for i := range preds {
		preds[i] = base
	}
	valPreds := make([]float64, len(valY))
	for i := range valPreds {
		valPreds[i] = base
	}

	grad := make([]float64, len(trainY))
	bestRMSE := math.Inf(1)
	sinceBest := 0
	model.BestRound = -1

	for round := 0; round < params.Rounds; round++ {
		for i := range grad {
			grad[i] = preds[i] - trainY[i]
		}

		rowIdx := sampleRows(rng, len(trainX), params.Subsample)
		colIdx := sampleCols(rng, cols, params.ColsampleByTree)

		b := &treeBuilder{
			x:      trainX,
			grad:   grad,
			params: params,
			cols:   colIdx,
			model:  model,
		}
		tree := Tree{}
		b.tree = &tree
		b.build(rowIdx, 0)
		model.Trees = append(model.Trees, tree)

		for i := range trainX {
			preds[i] += tree.predict(trainX[i])
		}

		if len(valX) == 0 || params.EarlyStopping <= 0 {
			model.BestRound = round
			continue
		}
		sse := 0.0
		for i := range valX {
			valPreds[i] += tree.predict(valX[i])
			d := valPreds[i] - valY[i]
			sse += d * d
		}
		rmse := math.Sqrt(sse / float64(len(valY)))
		if rmse < bestRMSE-1e-12 {
			bestRMSE = rmse
			model.BestRound = round
			sinceBest = 0
		} else {
			sinceBest++
			if sinceBest >= params.EarlyStopping {
				break
			}
		}
	}

	if model.BestRound < 0 {
		model.BestRound = 0
	}
	model.Trees = model.Trees[:model.BestRound+1]
	return model, nil
}

func (m *Model) Predict(v []float64) float64 {
	out := m.Base
	for i := range m.Trees {
		out += m.Trees[i].predict(v)
	}
	return out
}

func (m *Model) PredictBatch(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = m.Predict(x[i])
	}
	return out
}

// Importance returns gain-based feature importance, highest first.
func (m *Model) Importance() []FeatureGain {
	out := make([]FeatureGain, 0, len(m.Gains))
	for name, gain := range m.Gains {
		out = append(out, FeatureGain{Feature: name, Gain: gain})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gain == out[j].Gain {
			return out[i].Feature < out[j].Feature
		}
		return out[i].Gain > out[j].Gain
	})
	return out
}

type FeatureGain struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

func (m *Model) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Model) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

type treeBuilder struct {
	x      [][]float64
	grad   []float64
	params Params
	cols   []int
	tree   *Tree
	model  *Model
}

// build grows the subtree for the given sample rows and returns its node
// index. Depth counts from zero at the root.
func (b *treeBuilder) build(rows []int, depth int) int {
	g, h := b.sums(rows)

	if depth >= b.params.MaxDepth || h < 2*b.params.MinChildWeight {
		return b.leaf(g, h)
	}

	feature, threshold, gain, left, right := b.bestSplit(rows, g, h)
	if gain <= 0 {
		return b.leaf(g, h)
	}

	if b.model.FeatureNames != nil {
		b.model.Gains[b.model.FeatureNames[feature]] += gain
	} else {
		b.model.Gains[fmt.Sprintf("f%d", feature)] += gain
	}

	idx := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{Feature: feature, Threshold: threshold})
	leftIdx := b.build(left, depth+1)
	rightIdx := b.build(right, depth+1)
	b.tree.Nodes[idx].Left = leftIdx
	b.tree.Nodes[idx].Right = rightIdx
	return idx
}

func (b *treeBuilder) leaf(g, h float64) int {
	idx := len(b.tree.Nodes)
	value := -g / (h + b.params.Lambda) * b.params.LearningRate
	b.tree.Nodes = append(b.tree.Nodes, Node{Leaf: true, Value: value})
	return idx
}

func (b *treeBuilder) sums(rows []int) (g, h float64) {
	for _, i := range rows {
		g += b.grad[i]
		h++ // squared loss hessian is 1 per sample
	}
	return g, h
}

// bestSplit scans every candidate feature with a sorted sweep and scores
// splits with the regularized gain formula. Splits leaving either child
// below MinChildWeight are skipped.
func (b *treeBuilder) bestSplit(rows []int, gTotal, hTotal float64) (feature int, threshold, gain float64, left, right []int) {
	feature = -1
	gain = 0
	parentScore := gTotal * gTotal / (hTotal + b.params.Lambda)

	sorted := make([]int, len(rows))
	for _, f := range b.cols {
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool {
			return b.x[sorted[i]][f] < b.x[sorted[j]][f]
		})

		gl, hl := 0.0, 0.0
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			gl += b.grad[i]
			hl++
			cur := b.x[i][f]
			next := b.x[sorted[k+1]][f]
			if cur == next {
				continue
			}
			gr := gTotal - gl
			hr := hTotal - hl
			if hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			score := 0.5*(gl*gl/(hl+b.params.Lambda)+gr*gr/(hr+b.params.Lambda)-parentScore) - b.params.Gamma
			if score > gain {
				gain = score
				feature = f
				threshold = (cur + next) / 2
			}
		}
	}

	if feature < 0 {
		return -1, 0, 0, nil, nil
	}
	for _, i := range rows {
		if b.x[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return feature, threshold, gain, left, right
}

func sampleRows(rng *rand.Rand, n int, fraction float64) []int {
	if fraction >= 1 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if rng.Float64() < fraction {
			out = append(out, i)
		}
	}
	if len(out) < 2 {
		out = out[:0]
		for i := 0; i < n; i++ {
			out = append(out, i)
		}
	}
	return out
}

func sampleCols(rng *rand.Rand, cols int, fraction float64) []int {
	if fraction >= 1 || cols <= 1 {
		out := make([]int, cols)
		for i := range out {
			out[i] = i
		}
		return out
	}
	keep := int(math.Ceil(float64(cols) * fraction))
	if keep < 1 {
		keep = 1
	}
	perm := rng.Perm(cols)[:keep]
	sort.Ints(perm)
	return perm
}
