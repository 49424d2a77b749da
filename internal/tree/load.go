package tree

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Arrays is the column layout exported from a fitted scikit-learn tree
// (clf.tree_). LeafClass holds argmax(value) for leaves and is ignored for
// internal nodes.
type Arrays struct {
	NFeatures     int       `json:"n_features"`
	ChildrenLeft  []int     `json:"children_left"`
	ChildrenRight []int     `json:"children_right"`
	Feature       []int     `json:"feature"`
	Threshold     []float64 `json:"threshold"`
	LeafClass     []int     `json:"leaf_class"`
}

// FromArrays converts the column layout into a Tree.
func FromArrays(a Arrays) (*Tree, error) {
	n := len(a.ChildrenLeft)
	if len(a.ChildrenRight) != n || len(a.Feature) != n || len(a.Threshold) != n || len(a.LeafClass) != n {
		return nil, fmt.Errorf("%w: column lengths differ (left=%d right=%d feature=%d threshold=%d leaf_class=%d)",
			ErrInvalidTree, n, len(a.ChildrenRight), len(a.Feature), len(a.Threshold), len(a.LeafClass))
	}

	t := &Tree{NFeatures: a.NFeatures, Nodes: make([]Node, n)}
	for i := 0; i < n; i++ {
		node := Node{
			Feature:   a.Feature[i],
			Threshold: a.Threshold[i],
			Left:      a.ChildrenLeft[i],
			Right:     a.ChildrenRight[i],
		}
		if node.IsLeaf() {
			node.Feature = LeafMarker
			node.Class = Class(a.LeafClass[i])
		}
		t.Nodes[i] = node
	}
	return t, nil
}

// Load decodes either the node-list or the column-array JSON layout.
func Load(r io.Reader) (*Tree, error) {
	var raw struct {
		NFeatures int    `json:"n_features"`
		Nodes     []Node `json:"nodes"`
		Arrays
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}

	var (
		t   *Tree
		err error
	)
	switch {
	case len(raw.Nodes) > 0:
		t = &Tree{NFeatures: raw.NFeatures, Nodes: raw.Nodes}
	case len(raw.ChildrenLeft) > 0:
		raw.Arrays.NFeatures = raw.NFeatures
		t, err = FromArrays(raw.Arrays)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: neither nodes nor children_left present", ErrInvalidTree)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile reads a tree JSON document from path.
func LoadFile(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tree: %w", err)
	}
	defer f.Close()
	return Load(f)
}
