package revenue

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/kass/sitescout/pkg/models"
)

// Forest is a bagged ensemble of regression trees. Fields are exported so a
// trained forest can be gob-encoded inside a cache snapshot and restored
// ready to predict.
type Forest struct {
	Trees        []*TreeNode
	FeatureNames []string
	Importances  []float64
}

// Importance is one feature's share of the total split gain across the
// ensemble.
type Importance struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// Predict returns the predicted revenue for each row, averaged across all
// trees. It errors until the forest has been trained.
func (f *Forest) Predict(rows []models.FeatureRow) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, errors.New("model must be trained before prediction")
	}

	predictions := make([]float64, len(rows))
	for i, row := range rows {
		predictions[i] = f.predictVector(row.Vector())
	}
	return predictions, nil
}

func (f *Forest) predictVector(x []float64) float64 {
	var sum float64
	for _, tree := range f.Trees {
		sum += predictTree(tree, x)
	}
	return sum / float64(len(f.Trees))
}

// FeatureImportance returns the normalized split-gain weights, highest first.
func (f *Forest) FeatureImportance() []Importance {
	ranked := make([]Importance, len(f.Importances))
	var total float64
	for _, imp := range f.Importances {
		total += imp
	}
	for i, imp := range f.Importances {
		weight := 0.0
		if total > 0 {
			weight = imp / total
		}
		ranked[i] = Importance{Feature: f.FeatureNames[i], Weight: weight}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Feature < ranked[j].Feature
	})
	return ranked
}

// growForest trains cfg.Trees bagged trees on the sample matrix, returning
// the trees and the accumulated per-feature split gains.
func growForest(xs [][]float64, ys []float64, cfg Config, rng *rand.Rand) ([]*TreeNode, []float64) {
	importances := make([]float64, len(xs[0]))
	trees := make([]*TreeNode, cfg.Trees)

	builder := &treeBuilder{
		maxDepth:        cfg.MaxDepth,
		minSamplesSplit: cfg.MinSamplesSplit,
		importances:     importances,
	}

	for t := range trees {
		sampleX, sampleY := bootstrap(xs, ys, cfg.SubsampleRatio, rng)
		trees[t] = builder.build(sampleX, sampleY, 0)
	}
	return trees, importances
}

// bootstrap draws ratio*n samples with replacement.
func bootstrap(xs [][]float64, ys []float64, ratio float64, rng *rand.Rand) ([][]float64, []float64) {
	n := len(ys)
	m := int(ratio * float64(n))
	if m < 1 {
		m = n
	}

	sampleX := make([][]float64, m)
	sampleY := make([]float64, m)
	for i := 0; i < m; i++ {
		idx := rng.Intn(n)
		sampleX[i] = xs[idx]
		sampleY[i] = ys[idx]
	}
	return sampleX, sampleY
}
