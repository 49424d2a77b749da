// Package evaluator computes encrypted node scores and leaf path costs from a
// client's public context and encrypted feature vector.
package evaluator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/sync/errgroup"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/fhe"
)

var (
	ErrMissingContext    = errors.New("missing crypto context")
	ErrMissingCiphertext = errors.New("missing ciphertext")
	ErrWidthMismatch     = errors.New("context size does not match decision matrix width")
	ErrNonIntegerWeight  = errors.New("path-cost weight is not an integer")
)

// EvaluationError wraps a failure inside the homomorphic pipeline.
type EvaluationError struct {
	Op  string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at %s: %v", e.Op, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Result holds one serialized ciphertext per tree node and per leaf.
// The value of interest sits in slot 0 of each.
type Result struct {
	NodeScores [][]byte
	PathCosts  [][]byte
}

// Evaluator is stateless apart from the read-only matrices and is safe for
// concurrent use.
type Evaluator struct {
	m       *compiler.Matrices
	workers int
	logger  *slog.Logger
}

type Option func(*Evaluator)

// WithWorkers bounds the goroutines used per request. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Evaluator) {
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		e.workers = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New returns an evaluator over m.
func New(m *compiler.Matrices, opts ...Option) (*Evaluator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{m: m, workers: runtime.GOMAXPROCS(0), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) Matrices() *compiler.Matrices { return e.m }

// Evaluate imports the public context and ciphertext and runs the pipeline.
func (e *Evaluator) Evaluate(ctxBytes, ctBytes []byte) (*Result, error) {
	if len(ctxBytes) == 0 {
		return nil, ErrMissingContext
	}
	if len(ctBytes) == 0 {
		return nil, ErrMissingCiphertext
	}

	pub, err := fhe.ImportContext(ctxBytes)
	if err != nil {
		return nil, &EvaluationError{Op: "import context", Err: err}
	}
	ct, err := pub.ImportCiphertext(ctBytes)
	if err != nil {
		return nil, &EvaluationError{Op: "import ciphertext", Err: err}
	}

	scores, costs, err := e.EvaluateCiphertext(pub, ct)
	if err != nil {
		return nil, err
	}

	res := &Result{
		NodeScores: make([][]byte, len(scores)),
		PathCosts:  make([][]byte, len(costs)),
	}
	for i, s := range scores {
		if res.NodeScores[i], err = s.MarshalBinary(); err != nil {
			return nil, &EvaluationError{Op: "marshal node score", Err: err}
		}
	}
	for l, c := range costs {
		if res.PathCosts[l], err = c.MarshalBinary(); err != nil {
			return nil, &EvaluationError{Op: "marshal path cost", Err: err}
		}
	}
	return res, nil
}

// EvaluateCiphertext runs the pipeline on already imported values.
func (e *Evaluator) EvaluateCiphertext(pub *fhe.Context, ct *rlwe.Ciphertext) (scores, costs []*rlwe.Ciphertext, err error) {
	if pub.Size() != e.m.Width() {
		return nil, nil, &EvaluationError{
			Op:  "check shape",
			Err: fmt.Errorf("%w: context %d, matrix %d", ErrWidthMismatch, pub.Size(), e.m.Width()),
		}
	}
	if ct.Level() < 1 {
		return nil, nil, &EvaluationError{Op: "check level", Err: fmt.Errorf("ciphertext at level %d cannot be rescaled", ct.Level())}
	}

	params := pub.Params()
	base := ckks.NewEvaluator(params, pub.EvaluationKeys())

	scores, err = e.nodeScores(params, base, ct)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Debug("node scores computed",
		slog.Int("nodes", len(scores)),
		slog.Int("level", scores[0].Level()))

	costs, err = e.pathCosts(base, scores)
	if err != nil {
		return nil, nil, err
	}
	return scores, costs, nil
}

// nodeScores computes <row_i, [x;1]> for every decision row. Each worker owns
// a shallow copy of the evaluator since lattigo evaluators keep scratch buffers.
func (e *Evaluator) nodeScores(params ckks.Parameters, base *ckks.Evaluator, ct *rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	rows := e.m.Decision
	workers := min(e.workers, len(rows))
	pool := make(chan *ckks.Evaluator, workers)
	pool <- base
	for i := 1; i < workers; i++ {
		pool <- base.ShallowCopy()
	}

	width := e.m.Width()
	scores := make([]*rlwe.Ciphertext, len(rows))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, row := range rows {
		i, row := i, row // per-iteration copies (go < 1.22 loop semantics)
		g.Go(func() error {
			eval := <-pool
			defer func() { pool <- eval }()

			prod, err := eval.MulNew(ct, row)
			if err != nil {
				return &EvaluationError{Op: fmt.Sprintf("multiply row %d", i), Err: err}
			}
			// 스케일 정규화
			if err := eval.Rescale(prod, prod); err != nil {
				return &EvaluationError{Op: fmt.Sprintf("rescale row %d", i), Err: err}
			}
			sum := ckks.NewCiphertext(params, 1, prod.Level())
			if err := eval.InnerSum(prod, 1, width, sum); err != nil {
				return &EvaluationError{Op: fmt.Sprintf("inner sum row %d", i), Err: err}
			}
			scores[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// pathCosts forms sum_i w_li * score_i with integer weights, which keeps the
// scale unchanged. Zero weights are skipped; an all-zero row yields an
// encryption of zero.
func (e *Evaluator) pathCosts(eval *ckks.Evaluator, scores []*rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	costs := make([]*rlwe.Ciphertext, e.m.NumLeaves())
	for l, row := range e.m.PathCost {
		var acc *rlwe.Ciphertext
		for i, w := range row {
			if w == 0 {
				continue
			}
			if w != math.Trunc(w) {
				return nil, &EvaluationError{Op: fmt.Sprintf("path row %d", l), Err: fmt.Errorf("%w: %v", ErrNonIntegerWeight, w)}
			}
			term, err := weighted(eval, scores[i], int(w))
			if err != nil {
				return nil, &EvaluationError{Op: fmt.Sprintf("weight path row %d node %d", l, i), Err: err}
			}
			if acc == nil {
				acc = term
				continue
			}
			if err := eval.Add(acc, term, acc); err != nil {
				return nil, &EvaluationError{Op: fmt.Sprintf("add path row %d node %d", l, i), Err: err}
			}
		}
		if acc == nil {
			zero, err := eval.MulNew(scores[0], 0)
			if err != nil {
				return nil, &EvaluationError{Op: fmt.Sprintf("zero path row %d", l), Err: err}
			}
			acc = zero
		}
		costs[l] = acc
	}
	return costs, nil
}

func weighted(eval *ckks.Evaluator, ct *rlwe.Ciphertext, w int) (*rlwe.Ciphertext, error) {
	if w == 1 {
		return ct.CopyNew(), nil
	}
	return eval.MulNew(ct, w)
}
