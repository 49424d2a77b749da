// Package compiler rewrites a decision tree into the fixed-shape matrices
// evaluated under encryption.
//
// Row i of the decision matrix dotted with [x;1] gives the node score
// x[f_i] - t_i. Row l of the path-cost matrix carries +1 for every ancestor
// whose left branch leads to leaf l and -1 for every right branch, so the
// weighted sum of node scores is non-positive on the leaf the input reaches.
package compiler

import (
	"errors"
	"fmt"

	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

var ErrMalformedTree = errors.New("malformed tree")

// MalformedTreeError reports a structural defect at a node.
type MalformedTreeError struct {
	Node   int
	Reason string
}

func (e *MalformedTreeError) Error() string {
	return fmt.Sprintf("malformed tree at node %d: %s", e.Node, e.Reason)
}

func (e *MalformedTreeError) Is(target error) bool {
	return target == ErrMalformedTree
}

// Matrices is the compiled form of a tree. All fields are read-only after
// Compile returns and may be shared between goroutines.
type Matrices struct {
	NFeatures   int
	Decision    [][]float64 // num_nodes x (n_features+1)
	PathCost    [][]float64 // num_leaves x num_nodes
	LeafOutputs []int       // class label per path-cost row
	LeafNodes   []int       // node id per path-cost row
}

type parentLink struct {
	parent int
	left   bool
}

// Compile builds the decision matrix, the path-cost matrix and the leaf
// output vector for t. It does not modify t.
func Compile(t *tree.Tree) (*Matrices, error) {
	if err := t.Validate(); err != nil {
		return nil, &MalformedTreeError{Node: -1, Reason: err.Error()}
	}

	numNodes := t.NumNodes()
	width := t.NFeatures + 1

	decision := make([][]float64, numNodes)
	for i, n := range t.Nodes {
		decision[i] = make([]float64, width)
		if n.IsLeaf() {
			continue
		}
		decision[i][n.Feature] = 1.0
		decision[i][t.NFeatures] = -n.Threshold
	}

	parents, err := parentMap(t)
	if err != nil {
		return nil, err
	}

	leaves := t.Leaves()
	m := &Matrices{
		NFeatures:   t.NFeatures,
		Decision:    decision,
		PathCost:    make([][]float64, len(leaves)),
		LeafOutputs: make([]int, len(leaves)),
		LeafNodes:   leaves,
	}

	for row, leaf := range leaves {
		path, err := rootPath(parents, leaf, numNodes)
		if err != nil {
			return nil, err
		}
		costs := make([]float64, numNodes)
		for _, step := range path {
			if step.left {
				costs[step.parent] = 1.0
			} else {
				costs[step.parent] = -1.0
			}
		}
		m.PathCost[row] = costs
		m.LeafOutputs[row] = *t.Nodes[leaf].Class
	}
	return m, nil
}

// parentMap records the parent of every child in one pass. Root has no entry.
func parentMap(t *tree.Tree) (map[int]parentLink, error) {
	parents := make(map[int]parentLink, t.NumNodes())
	link := func(parent, child int, left bool) error {
		if child == tree.NoChild {
			return nil
		}
		if child == 0 {
			return &MalformedTreeError{Node: parent, Reason: "root is a child"}
		}
		if prev, ok := parents[child]; ok {
			return &MalformedTreeError{Node: child, Reason: fmt.Sprintf("two parents %d and %d", prev.parent, parent)}
		}
		parents[child] = parentLink{parent: parent, left: left}
		return nil
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			continue
		}
		if err := link(i, n.Left, true); err != nil {
			return nil, err
		}
		if err := link(i, n.Right, false); err != nil {
			return nil, err
		}
	}
	for i := 1; i < t.NumNodes(); i++ {
		if _, ok := parents[i]; !ok {
			return nil, &MalformedTreeError{Node: i, Reason: "disconnected node"}
		}
	}
	return parents, nil
}

// rootPath walks from leaf to the root and returns the steps in root-to-leaf order.
func rootPath(parents map[int]parentLink, leaf, numNodes int) ([]parentLink, error) {
	var path []parentLink
	cur := leaf
	for cur != 0 {
		if len(path) >= numNodes {
			return nil, &MalformedTreeError{Node: leaf, Reason: "cycle on path to root"}
		}
		p, ok := parents[cur]
		if !ok {
			return nil, &MalformedTreeError{Node: cur, Reason: "disconnected node"}
		}
		path = append(path, p)
		cur = p.parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}
