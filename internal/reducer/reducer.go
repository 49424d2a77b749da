// Package reducer turns decrypted node scores and path costs into a class label.
package reducer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

// DefaultEpsilon is the boundary band. CKKS noise at scale 2^40 is several
// orders of magnitude below it.
const DefaultEpsilon = 1e-3

var (
	ErrStrategyMismatch = errors.New("reduction strategies disagree")
	ErrUnknownStrategy  = errors.New("unknown reduction strategy")
	ErrShape            = errors.New("decrypted values do not match model shape")
)

// Decrypted holds the slot-0 values of every returned ciphertext.
type Decrypted struct {
	NodeScores []float64
	PathCosts  []float64
}

// Prediction is the outcome of a reduction. Leaf is a node id. Ambiguous is
// set when a value that decided the outcome lies within epsilon of a boundary.
type Prediction struct {
	Class     int    `json:"class"`
	Leaf      int    `json:"leaf"`
	Strategy  string `json:"strategy"`
	Ambiguous bool   `json:"ambiguous"`
	Agree     bool   `json:"agree"`
}

// Strategy selects a leaf from decrypted values.
type Strategy interface {
	Name() string
	Select(d Decrypted) (Prediction, error)
}

// ArgminPathCost picks the leaf whose path cost is smallest and labels it
// through the leaf output vector.
type ArgminPathCost struct {
	Matrices *compiler.Matrices
	Epsilon  float64
}

func NewArgminPathCost(m *compiler.Matrices, eps float64) *ArgminPathCost {
	return &ArgminPathCost{Matrices: m, Epsilon: eps}
}

func (a *ArgminPathCost) Name() string { return "argmin" }

func (a *ArgminPathCost) Select(d Decrypted) (Prediction, error) {
	costs := d.PathCosts
	if len(costs) != a.Matrices.NumLeaves() {
		return Prediction{}, fmt.Errorf("%w: %d path costs, %d leaves", ErrShape, len(costs), a.Matrices.NumLeaves())
	}
	order := make([]int, len(costs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return costs[order[i]] < costs[order[j]] })

	best := order[0]
	p := Prediction{
		Class:    a.Matrices.LeafOutputs[best],
		Leaf:     a.Matrices.LeafNodes[best],
		Strategy: a.Name(),
		Agree:    true,
	}
	if len(order) > 1 && costs[order[1]]-costs[best] < a.Epsilon {
		p.Ambiguous = true
	}
	return p, nil
}

// SignTraversal re-walks the tree using the sign of each decrypted node score.
// The tree, not the leaf output vector, supplies the label.
type SignTraversal struct {
	Tree    *tree.Tree
	Epsilon float64
}

func NewSignTraversal(t *tree.Tree, eps float64) *SignTraversal {
	return &SignTraversal{Tree: t, Epsilon: eps}
}

func (s *SignTraversal) Name() string { return "traverse" }

func (s *SignTraversal) Select(d Decrypted) (Prediction, error) {
	if len(d.NodeScores) != s.Tree.NumNodes() {
		return Prediction{}, fmt.Errorf("%w: %d node scores, %d nodes", ErrShape, len(d.NodeScores), s.Tree.NumNodes())
	}
	class, leaf, err := s.Tree.PredictFromScores(d.NodeScores)
	if err != nil {
		return Prediction{}, err
	}
	p := Prediction{Class: class, Leaf: leaf, Strategy: s.Name(), Agree: true}

	// Check the visited path for near-threshold scores.
	id := 0
	for steps := 0; steps < s.Tree.NumNodes() && !s.Tree.Nodes[id].IsLeaf(); steps++ {
		v := d.NodeScores[id]
		if math.Abs(v) < s.Epsilon {
			p.Ambiguous = true
		}
		if v <= 0 {
			id = s.Tree.Nodes[id].Left
		} else {
			id = s.Tree.Nodes[id].Right
		}
	}
	return p, nil
}

// Consensus runs two strategies and reports whether they agree. The primary's
// answer is returned. With Strict set, a disagreement on an input neither side
// flags as ambiguous is an error.
type Consensus struct {
	Primary   Strategy
	Secondary Strategy
	Strict    bool
}

func (c *Consensus) Name() string { return "both" }

func (c *Consensus) Select(d Decrypted) (Prediction, error) {
	a, err := c.Primary.Select(d)
	if err != nil {
		return Prediction{}, err
	}
	b, err := c.Secondary.Select(d)
	if err != nil {
		return Prediction{}, err
	}
	p := a
	p.Strategy = c.Name()
	p.Agree = a.Class == b.Class && a.Leaf == b.Leaf
	p.Ambiguous = a.Ambiguous || b.Ambiguous
	if !p.Agree && !p.Ambiguous && c.Strict {
		return p, fmt.Errorf("%w: %s chose leaf %d (class %d), %s chose leaf %d (class %d)",
			ErrStrategyMismatch, c.Primary.Name(), a.Leaf, a.Class, c.Secondary.Name(), b.Leaf, b.Class)
	}
	return p, nil
}

// New builds a strategy by name: "traverse", "argmin" or "both". "both"
// treats traversal as primary since it is exact whenever no visited score is
// within epsilon of zero.
func New(name string, t *tree.Tree, m *compiler.Matrices, eps float64) (Strategy, error) {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	switch name {
	case "argmin":
		return NewArgminPathCost(m, eps), nil
	case "traverse", "":
		if t == nil {
			return nil, fmt.Errorf("%w: traverse needs the tree", ErrUnknownStrategy)
		}
		return NewSignTraversal(t, eps), nil
	case "both":
		if t == nil {
			return nil, fmt.Errorf("%w: both needs the tree", ErrUnknownStrategy)
		}
		return &Consensus{Primary: NewSignTraversal(t, eps), Secondary: NewArgminPathCost(m, eps)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
