// Package features turns an attribute map into the 30-feature vector the
// scoring model expects, and maps model output back to risk signals.
package features

import (
	"fmt"
	"math/rand/v2"
)

const (
	// VectorCount is the number of synthesized V features.
	VectorCount = 28

	minWeight = 0.1
	maxWeight = 1.0
)

// WeightMatrix holds the per-vector weight of each base risk signal.
// It is immutable after construction.
type WeightMatrix struct {
	rows [VectorCount][baseSignalCount]float64
	sums [VectorCount]float64
}

// NewWeightMatrix draws every weight uniformly from [0.1, 1.0).
// A nil rng uses the global source.
func NewWeightMatrix(rng *rand.Rand) *WeightMatrix {
	draw := rand.Float64
	if rng != nil {
		draw = rng.Float64
	}

	m := &WeightMatrix{}
	for i := range m.rows {
		for j := range m.rows[i] {
			m.rows[i][j] = minWeight + draw()*(maxWeight-minWeight)
		}
	}
	m.computeSums()
	return m
}

// NewSeededWeightMatrix builds a reproducible matrix from seed.
func NewSeededWeightMatrix(seed uint64) *WeightMatrix {
	return NewWeightMatrix(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// WeightMatrixFromRows builds a matrix from explicit weights.
func WeightMatrixFromRows(rows [][]float64) (*WeightMatrix, error) {
	if len(rows) != VectorCount {
		return nil, fmt.Errorf("weight matrix needs %d rows, got %d", VectorCount, len(rows))
	}

	m := &WeightMatrix{}
	for i, row := range rows {
		if len(row) != baseSignalCount {
			return nil, fmt.Errorf("weight row %d needs %d columns, got %d", i, baseSignalCount, len(row))
		}
		for j, w := range row {
			if w < minWeight || w > maxWeight {
				return nil, fmt.Errorf("weight [%d][%d] = %v outside [%v, %v]", i, j, w, minWeight, maxWeight)
			}
			m.rows[i][j] = w
		}
	}
	m.computeSums()
	return m, nil
}

// Weight returns the weight of base signal j in vector i.
func (m *WeightMatrix) Weight(i, j int) float64 {
	return m.rows[i][j]
}

func (m *WeightMatrix) computeSums() {
	for i, row := range m.rows {
		var sum float64
		for _, w := range row {
			sum += w
		}
		m.sums[i] = sum
	}
}
