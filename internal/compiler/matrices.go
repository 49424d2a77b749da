package compiler

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("matrix shape mismatch")

func (m *Matrices) NumNodes() int  { return len(m.Decision) }
func (m *Matrices) NumLeaves() int { return len(m.PathCost) }

// Width is the input vector length the evaluator expects: features plus the bias slot.
func (m *Matrices) Width() int { return m.NFeatures + 1 }

// Validate checks shape invariants, for matrices that did not come from Compile.
func (m *Matrices) Validate() error {
	if m.NFeatures <= 0 || len(m.Decision) == 0 {
		return fmt.Errorf("%w: empty matrices", ErrShape)
	}
	for i, row := range m.Decision {
		if len(row) != m.Width() {
			return fmt.Errorf("%w: decision row %d has %d columns, want %d", ErrShape, i, len(row), m.Width())
		}
	}
	if len(m.PathCost) == 0 {
		return fmt.Errorf("%w: no leaves", ErrShape)
	}
	if len(m.LeafOutputs) != len(m.PathCost) || len(m.LeafNodes) != len(m.PathCost) {
		return fmt.Errorf("%w: %d path rows, %d leaf outputs, %d leaf nodes",
			ErrShape, len(m.PathCost), len(m.LeafOutputs), len(m.LeafNodes))
	}
	for l, row := range m.PathCost {
		if len(row) != m.NumNodes() {
			return fmt.Errorf("%w: path row %d has %d columns, want %d", ErrShape, l, len(row), m.NumNodes())
		}
		for i, w := range row {
			if w != 0 && w != 1 && w != -1 {
				return fmt.Errorf("%w: path weight [%d,%d] = %v not in {-1,0,+1}", ErrShape, l, i, w)
			}
		}
		if n := m.LeafNodes[l]; n < 0 || n >= m.NumNodes() {
			return fmt.Errorf("%w: leaf row %d points at node %d", ErrShape, l, n)
		}
	}
	return nil
}

// Input appends the bias term to a feature vector.
func (m *Matrices) Input(x []float64) ([]float64, error) {
	if len(x) != m.NFeatures {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrShape, len(x), m.NFeatures)
	}
	v := make([]float64, 0, m.Width())
	v = append(v, x...)
	return append(v, 1.0), nil
}

// NodeScores evaluates every decision row against x in plaintext.
func (m *Matrices) NodeScores(x []float64) ([]float64, error) {
	v, err := m.Input(x)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, m.NumNodes())
	for i, row := range m.Decision {
		for j, w := range row {
			scores[i] += w * v[j]
		}
	}
	return scores, nil
}

// PathCosts combines node scores with the path-cost weights in plaintext.
func (m *Matrices) PathCosts(scores []float64) ([]float64, error) {
	if len(scores) != m.NumNodes() {
		return nil, fmt.Errorf("%w: got %d scores, want %d", ErrShape, len(scores), m.NumNodes())
	}
	costs := make([]float64, m.NumLeaves())
	for l, row := range m.PathCost {
		for i, w := range row {
			costs[l] += w * scores[i]
		}
	}
	return costs, nil
}
