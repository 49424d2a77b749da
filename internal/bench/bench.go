package bench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/z3rotig4r/ckks_tree/internal/client"
	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

// Predictor runs one encrypted inference.
type Predictor interface {
	Predict(ctx context.Context, x []float64) (*client.Outcome, error)
}

// Runner evaluates every sample both in plaintext and encrypted.
type Runner struct {
	Predictor   Predictor
	Tree        *tree.Tree
	Matrices    *compiler.Matrices
	Concurrency int
	Logger      *slog.Logger
}

// SampleResult is the per-sample comparison.
type SampleResult struct {
	Index      int
	Label      int
	Plain      int
	Encrypted  int
	Ambiguous  bool
	Agree      bool
	ScoreError float64 // max |plain - decrypted| over node scores
	Latency    time.Duration
	Err        error
}

// Report aggregates a run.
type Report struct {
	Results []SampleResult

	Samples        int
	Failed         int
	PlainAccuracy  float64
	FHEAccuracy    float64
	MatchRate      float64 // encrypted class == plaintext class
	Ambiguous      int
	Disagreements  int
	MaxScoreError  float64
	MeanScoreError float64

	MeanLatency   time.Duration
	MedianLatency time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	Total         time.Duration
}

// Run benchmarks samples. Individual prediction failures are recorded in the
// report; only context cancellation aborts the run.
func (r *Runner) Run(ctx context.Context, samples []Sample) (*Report, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = 1
	}

	results := make([]SampleResult, len(samples))
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, s := range samples {
		i, s := i, s // per-iteration copies (go < 1.22 loop semantics)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.one(gctx, i, s)
			logger.Debug("sample done",
				slog.Int("index", i),
				slog.Int("plain", results[i].Plain),
				slog.Int("encrypted", results[i].Encrypted),
				slog.Duration("latency", results[i].Latency))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rep := summarize(results)
	rep.Total = time.Since(start)
	return rep, nil
}

func (r *Runner) one(ctx context.Context, i int, s Sample) SampleResult {
	res := SampleResult{Index: i, Label: s.Label, Plain: -1, Encrypted: -1}
	plain, err := r.Tree.Predict(s.Features)
	if err != nil {
		res.Err = err
		return res
	}
	res.Plain = plain
	scores, err := r.Matrices.NodeScores(s.Features)
	if err != nil {
		res.Err = err
		return res
	}

	t0 := time.Now()
	out, err := r.Predictor.Predict(ctx, s.Features)
	res.Latency = time.Since(t0)
	if err != nil {
		res.Err = err
		return res
	}
	res.Encrypted = out.Class
	res.Ambiguous = out.Ambiguous
	res.Agree = out.Agree
	for j, v := range out.Decrypted.NodeScores {
		if j < len(scores) {
			res.ScoreError = math.Max(res.ScoreError, math.Abs(v-scores[j]))
		}
	}
	return res
}

func summarize(results []SampleResult) *Report {
	rep := &Report{Results: results, Samples: len(results)}
	var plainOK, fheOK, match int
	var errSum float64
	var lat []time.Duration
	for _, res := range results {
		if res.Err != nil {
			rep.Failed++
			continue
		}
		if res.Plain == res.Label {
			plainOK++
		}
		if res.Encrypted == res.Label {
			fheOK++
		}
		if res.Encrypted == res.Plain {
			match++
		}
		if res.Ambiguous {
			rep.Ambiguous++
		}
		if !res.Agree {
			rep.Disagreements++
		}
		rep.MaxScoreError = math.Max(rep.MaxScoreError, res.ScoreError)
		errSum += res.ScoreError
		lat = append(lat, res.Latency)
	}
	ok := len(lat)
	if ok == 0 {
		return rep
	}
	rep.PlainAccuracy = float64(plainOK) / float64(ok)
	rep.FHEAccuracy = float64(fheOK) / float64(ok)
	rep.MatchRate = float64(match) / float64(ok)
	rep.MeanScoreError = errSum / float64(ok)

	slices.Sort(lat)
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	rep.MeanLatency = sum / time.Duration(ok)
	rep.MinLatency = lat[0]
	rep.MaxLatency = lat[ok-1]
	if ok%2 == 1 {
		rep.MedianLatency = lat[ok/2]
	} else {
		rep.MedianLatency = (lat[ok/2-1] + lat[ok/2]) / 2
	}
	return rep
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

// Print writes a human summary.
func (rep *Report) Print(w io.Writer) {
	sep := strings.Repeat("=", 70)
	fmt.Fprintln(w, sep)
	fmt.Fprintln(w, "🔬 ENCRYPTED TREE INFERENCE BENCHMARK")
	fmt.Fprintln(w, sep)

	fmt.Fprintf(w, "\n📊 Samples: %d (failed: %d)\n", rep.Samples, rep.Failed)
	fmt.Fprintf(w, "   Plaintext accuracy:   %6.2f%%\n", 100*rep.PlainAccuracy)
	fmt.Fprintf(w, "   Encrypted accuracy:   %6.2f%%\n", 100*rep.FHEAccuracy)
	fmt.Fprintf(w, "   FHE vs plain match:   %6.2f%%\n", 100*rep.MatchRate)
	fmt.Fprintf(w, "   Ambiguous:            %d\n", rep.Ambiguous)
	fmt.Fprintf(w, "   Strategy disagreement: %d\n", rep.Disagreements)

	fmt.Fprintln(w, "\n📈 Node score error:")
	fmt.Fprintf(w, "   Max:  %.6e\n", rep.MaxScoreError)
	fmt.Fprintf(w, "   Mean: %.6e\n", rep.MeanScoreError)

	fmt.Fprintln(w, "\n⏱️  Latency per sample (ms):")
	fmt.Fprintf(w, "   ├─ Mean:   %10.2f\n", ms(rep.MeanLatency))
	fmt.Fprintf(w, "   ├─ Median: %10.2f\n", ms(rep.MedianLatency))
	fmt.Fprintf(w, "   ├─ Min:    %10.2f\n", ms(rep.MinLatency))
	fmt.Fprintf(w, "   └─ Max:    %10.2f\n", ms(rep.MaxLatency))
	fmt.Fprintf(w, "   Total wall time: %.2fs\n", rep.Total.Seconds())

	fmt.Fprintln(w, "\n✅ Quality Assessment:")
	switch {
	case rep.Failed > 0:
		fmt.Fprintf(w, "   🔴 %d samples failed\n", rep.Failed)
	case rep.MatchRate == 1:
		fmt.Fprintln(w, "   🟢 EXCELLENT: every encrypted prediction matches plaintext")
	case rep.MatchRate >= 0.99:
		fmt.Fprintln(w, "   🟡 GOOD: mismatches only near thresholds")
	default:
		fmt.Fprintln(w, "   🔴 POOR: encrypted predictions diverge (check parameters)")
	}
	for _, res := range rep.Results {
		if res.Err != nil {
			fmt.Fprintf(w, "   ❌ sample %d: %v\n", res.Index, res.Err)
		} else if res.Encrypted != res.Plain {
			fmt.Fprintf(w, "   ⚠️  sample %d: plain %d, encrypted %d (ambiguous=%t)\n", res.Index, res.Plain, res.Encrypted, res.Ambiguous)
		}
	}
}
