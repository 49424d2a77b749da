package bench

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z3rotig4r/ckks_tree/internal/client"
	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/reducer"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stump() *tree.Tree {
	leaf := func(c int) tree.Node {
		return tree.Node{Feature: tree.LeafMarker, Left: tree.NoChild, Right: tree.NoChild, Class: tree.Class(c)}
	}
	return &tree.Tree{
		NFeatures: 1,
		Nodes:     []tree.Node{{Feature: 0, Threshold: 3, Left: 1, Right: 2}, leaf(0), leaf(1)},
	}
}

func TestReadCSV(t *testing.T) {
	in := "x0,x1,label\n1.5, 2, 0\n# comment\n3,4,1.0\n"
	samples, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, Sample{Features: []float64{1.5, 2}, Label: 0}, samples[0])
	assert.Equal(t, 1, samples[1].Label)
}

func TestReadCSVRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"header only", "a,b\n"},
		{"ragged", "1,2,0\n1,0\n"},
		{"bad label", "1,2,0\n1,2,x\n"},
		{"fractional label", "1,2,0\n1,2,0.5\n"},
		{"single column", "1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

type fakePredictor struct {
	class map[float64]int
	fail  float64
}

func (f fakePredictor) Predict(_ context.Context, x []float64) (*client.Outcome, error) {
	if x[0] == f.fail {
		return nil, errors.New("boom")
	}
	out := &client.Outcome{}
	out.Class = f.class[x[0]]
	out.Agree = true
	out.Decrypted.NodeScores = []float64{x[0] - 3 + 1e-4, 0, 0}
	return out, nil
}

func TestRunSummary(t *testing.T) {
	tr := stump()
	m, err := compiler.Compile(tr)
	require.NoError(t, err)

	r := &Runner{
		Predictor:   fakePredictor{class: map[float64]int{1: 0, 2: 1, 5: 1}, fail: 9},
		Tree:        tr,
		Matrices:    m,
		Concurrency: 2,
		Logger:      discard(),
	}
	samples := []Sample{
		{Features: []float64{1}, Label: 0},
		{Features: []float64{2}, Label: 0},
		{Features: []float64{5}, Label: 0},
		{Features: []float64{9}, Label: 1},
	}
	rep, err := r.Run(context.Background(), samples)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Samples)
	assert.Equal(t, 1, rep.Failed)
	assert.InDelta(t, 2.0/3, rep.PlainAccuracy, 1e-9)
	assert.InDelta(t, 1.0/3, rep.FHEAccuracy, 1e-9)
	assert.InDelta(t, 2.0/3, rep.MatchRate, 1e-9)
	assert.InDelta(t, 1e-4, rep.MaxScoreError, 1e-9)

	var buf bytes.Buffer
	rep.Print(&buf)
	assert.Contains(t, buf.String(), "sample 1: plain 0, encrypted 1")
	assert.Contains(t, buf.String(), "sample 3: boom")
}

func TestRunCanceled(t *testing.T) {
	tr := stump()
	m, err := compiler.Compile(tr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Runner{Predictor: fakePredictor{}, Tree: tr, Matrices: m, Logger: discard()}
	_, err = r.Run(ctx, []Sample{{Features: []float64{1}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunEncrypted(t *testing.T) {
	tr := stump()
	m, err := compiler.Compile(tr)
	require.NoError(t, err)
	ev, err := evaluator.New(m, evaluator.WithLogger(discard()))
	require.NoError(t, err)
	st, err := reducer.New("both", tr, m, 0)
	require.NoError(t, err)
	c, err := client.NewLocal(ev, client.Config{Strategy: st, Logger: discard()})
	require.NoError(t, err)

	r := &Runner{Predictor: c, Tree: tr, Matrices: m, Logger: discard()}
	rep, err := r.Run(context.Background(), []Sample{
		{Features: []float64{2}, Label: 0},
		{Features: []float64{5}, Label: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 1.0, rep.MatchRate)
	assert.Equal(t, 1.0, rep.FHEAccuracy)
	assert.Less(t, rep.MaxScoreError, 1e-2)
	assert.Greater(t, rep.MaxLatency, time.Duration(0))
}
