// Package tree holds the plaintext decision-tree model consumed by the compiler.
package tree

import (
	"errors"
	"fmt"
)

// LeafMarker is the feature index carried by leaf nodes (scikit-learn's TREE_UNDEFINED).
const LeafMarker = -2

// NoChild marks an absent child link.
const NoChild = -1

var ErrInvalidTree = errors.New("invalid decision tree")

// Node is one node of a binary decision tree. A node is a leaf iff Left == Right.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Class     *int    `json:"class,omitempty"`
}

// IsLeaf reports whether n has no children.
func (n Node) IsLeaf() bool {
	return n.Left == n.Right
}

// Tree is a single trained decision tree. Node ids are dense and the root is node 0.
type Tree struct {
	NFeatures int    `json:"n_features"`
	Nodes     []Node `json:"nodes"`
}

// NumNodes returns the node count.
func (t *Tree) NumNodes() int {
	return len(t.Nodes)
}

// Leaves returns leaf node ids in ascending id order.
func (t *Tree) Leaves() []int {
	var leaves []int
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			leaves = append(leaves, i)
		}
	}
	return leaves
}

// Validate checks per-node invariants. Connectivity is checked by the compiler.
func (t *Tree) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidTree)
	}
	if t.NFeatures <= 0 {
		return fmt.Errorf("%w: n_features must be positive, got %d", ErrInvalidTree, t.NFeatures)
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			if n.Left != NoChild {
				return fmt.Errorf("%w: node %d has identical children %d", ErrInvalidTree, i, n.Left)
			}
			if n.Class == nil {
				return fmt.Errorf("%w: leaf %d has no class", ErrInvalidTree, i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= t.NFeatures {
			return fmt.Errorf("%w: node %d splits on feature %d outside [0,%d)", ErrInvalidTree, i, n.Feature, t.NFeatures)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c < 0 || c >= len(t.Nodes) {
				return fmt.Errorf("%w: node %d has child %d out of range", ErrInvalidTree, i, c)
			}
		}
	}
	return nil
}

// Predict walks the tree with plaintext features. x[f] <= threshold goes left.
// The walk is bounded by the node count so a cyclic tree returns an error.
func (t *Tree) Predict(x []float64) (int, error) {
	if len(x) < t.NFeatures {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrInvalidTree, len(x), t.NFeatures)
	}
	return t.walk(func(id int, n Node) bool {
		return x[n.Feature] <= n.Threshold
	})
}

// PredictFromScores walks the tree using decision-plane values
// s_i = x[f_i] - t_i. s <= 0 goes left.
func (t *Tree) PredictFromScores(scores []float64) (class, leaf int, err error) {
	if len(scores) < len(t.Nodes) {
		return 0, 0, fmt.Errorf("%w: got %d scores, want %d", ErrInvalidTree, len(scores), len(t.Nodes))
	}
	leaf, err = t.walkLeaf(func(id int, _ Node) bool {
		return scores[id] <= 0
	})
	if err != nil {
		return 0, 0, err
	}
	return *t.Nodes[leaf].Class, leaf, nil
}

func (t *Tree) walk(goLeft func(int, Node) bool) (int, error) {
	leaf, err := t.walkLeaf(goLeft)
	if err != nil {
		return 0, err
	}
	return *t.Nodes[leaf].Class, nil
}

func (t *Tree) walkLeaf(goLeft func(int, Node) bool) (int, error) {
	id := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if id < 0 || id >= len(t.Nodes) {
			return 0, fmt.Errorf("%w: walked to node %d", ErrInvalidTree, id)
		}
		n := t.Nodes[id]
		if n.IsLeaf() {
			if n.Class == nil {
				return 0, fmt.Errorf("%w: leaf %d has no class", ErrInvalidTree, id)
			}
			return id, nil
		}
		if goLeft(id, n) {
			id = n.Left
		} else {
			id = n.Right
		}
	}
	return 0, fmt.Errorf("%w: traversal exceeded %d steps", ErrInvalidTree, len(t.Nodes))
}

// Class returns a pointer to c, for building leaves inline.
func Class(c int) *int {
	return &c
}
