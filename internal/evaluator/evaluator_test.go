package evaluator

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/fhe"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

const tol = 1e-2

func leaf(c int) tree.Node {
	return tree.Node{Feature: tree.LeafMarker, Left: tree.NoChild, Right: tree.NoChild, Class: tree.Class(c)}
}

func stump(t *testing.T) *compiler.Matrices {
	t.Helper()
	m, err := compiler.Compile(&tree.Tree{
		NFeatures: 2,
		Nodes: []tree.Node{
			{Feature: 0, Threshold: 3.0, Left: 1, Right: 2},
			leaf(0),
			leaf(1),
		},
	})
	require.NoError(t, err)
	return m
}

func depthTwo(t *testing.T) *compiler.Matrices {
	t.Helper()
	m, err := compiler.Compile(&tree.Tree{
		NFeatures: 3,
		Nodes: []tree.Node{
			{Feature: 2, Threshold: 2.45, Left: 1, Right: 2},
			leaf(0),
			{Feature: 1, Threshold: 1.75, Left: 3, Right: 4},
			leaf(1),
			leaf(2),
		},
	})
	require.NoError(t, err)
	return m
}

type session struct {
	key *fhe.Context
	pub []byte
}

func newSession(t *testing.T, width int) session {
	t.Helper()
	params, err := fhe.DefaultParams().Build()
	require.NoError(t, err)
	key, err := fhe.NewContext(params, width)
	require.NoError(t, err)
	pub, err := key.ExportPublic()
	require.NoError(t, err)
	return session{key: key, pub: pub}
}

func (s session) decrypt(t *testing.T, blobs [][]byte) []float64 {
	t.Helper()
	out := make([]float64, len(blobs))
	for i, b := range blobs {
		v, err := s.key.DecryptScalar(b)
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func TestEvaluateStump(t *testing.T) {
	m := stump(t)
	e, err := New(m, WithWorkers(2))
	require.NoError(t, err)
	s := newSession(t, m.Width())

	tests := []struct {
		x      []float64
		scores []float64
		costs  []float64
	}{
		{x: []float64{2, 1}, scores: []float64{-1, 0, 0}, costs: []float64{-1, 1}},
		{x: []float64{5, 1}, scores: []float64{2, 0, 0}, costs: []float64{2, -2}},
	}
	for _, tt := range tests {
		v, err := m.Input(tt.x)
		require.NoError(t, err)
		ct, err := s.key.Encrypt(v)
		require.NoError(t, err)

		res, err := e.Evaluate(s.pub, ct)
		require.NoError(t, err)
		require.Len(t, res.NodeScores, 3)
		require.Len(t, res.PathCosts, 2)

		scores := s.decrypt(t, res.NodeScores)
		costs := s.decrypt(t, res.PathCosts)
		assert.InDeltaSlice(t, tt.scores, scores, tol)
		assert.InDeltaSlice(t, tt.costs, costs, tol)
	}
}

func TestEvaluateMatchesPlaintext(t *testing.T) {
	m := depthTwo(t)
	e, err := New(m)
	require.NoError(t, err)
	s := newSession(t, m.Width())

	r := rand.New(rand.NewSource(3))
	for trial := 0; trial < 3; trial++ {
		x := []float64{r.Float64() * 8, r.Float64() * 3, r.Float64() * 7}
		want, err := m.NodeScores(x)
		require.NoError(t, err)
		wantCosts, err := m.PathCosts(want)
		require.NoError(t, err)

		v, err := m.Input(x)
		require.NoError(t, err)
		ct, err := s.key.Encrypt(v)
		require.NoError(t, err)

		res, err := e.Evaluate(s.pub, ct)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, s.decrypt(t, res.NodeScores), tol)
		assert.InDeltaSlice(t, wantCosts, s.decrypt(t, res.PathCosts), tol)
	}
}

func TestEvaluateRootLeaf(t *testing.T) {
	m, err := compiler.Compile(&tree.Tree{NFeatures: 2, Nodes: []tree.Node{leaf(7)}})
	require.NoError(t, err)
	e, err := New(m)
	require.NoError(t, err)
	s := newSession(t, m.Width())

	ct, err := s.key.Encrypt([]float64{4, 4, 1})
	require.NoError(t, err)
	res, err := e.Evaluate(s.pub, ct)
	require.NoError(t, err)
	require.Len(t, res.PathCosts, 1)
	assert.InDelta(t, 0, s.decrypt(t, res.PathCosts)[0], tol)
}

func TestEvaluateErrors(t *testing.T) {
	m := stump(t)
	e, err := New(m)
	require.NoError(t, err)

	_, err = e.Evaluate(nil, []byte{1})
	assert.ErrorIs(t, err, ErrMissingContext)

	_, err = e.Evaluate([]byte{1}, nil)
	assert.ErrorIs(t, err, ErrMissingCiphertext)

	var ee *EvaluationError
	_, err = e.Evaluate([]byte{1, 2, 3}, []byte{1})
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, fhe.ErrMalformedContext)

	// A context sized for a different feature count cannot serve these matrices.
	other := newSession(t, 5)
	ct, err := other.key.Encrypt([]float64{1, 2, 3, 4, 1})
	require.NoError(t, err)
	_, err = e.Evaluate(other.pub, ct)
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestNonIntegerWeight(t *testing.T) {
	m := stump(t)
	m.PathCost = [][]float64{{0.5, 0, 0}, {-1, 0, 0}}
	// Bypass Validate to reach the pipeline check.
	e := &Evaluator{m: m, workers: 1, logger: discard()}
	s := newSession(t, m.Width())
	pub, err := fhe.ImportContext(s.pub)
	require.NoError(t, err)
	ct, err := pub.EncryptNew([]float64{1, 1, 1})
	require.NoError(t, err)

	_, _, err = e.EvaluateCiphertext(pub, ct)
	assert.ErrorIs(t, err, ErrNonIntegerWeight)
}

func TestConcurrentEvaluate(t *testing.T) {
	m := stump(t)
	e, err := New(m, WithWorkers(2))
	require.NoError(t, err)
	s := newSession(t, m.Width())
	ct, err := s.key.Encrypt([]float64{5, 1, 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	errs := make([]error, 4)
	for i := range results {
		i := i // per-iteration copy (go < 1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Evaluate(s.pub, ct)
		}()
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.InDelta(t, 2, s.decrypt(t, results[i].NodeScores)[0], tol)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	res := &Result{
		NodeScores: [][]byte{{0xde, 0xad}, {0xbe, 0xef}},
		PathCosts:  [][]byte{{0x01}},
	}
	data, err := res.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_scores":["dead","beef"],"path_costs":["01"]}`, string(data))

	got, err := ParseRecord(data)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	_, err = ParseRecord([]byte(`{"node_scores":["zz"]}`))
	assert.Error(t, err)
}
