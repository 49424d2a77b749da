package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/z3rotig4r/ckks_tree/internal/client"
	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/envelope"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/fhe"
	"github.com/z3rotig4r/ckks_tree/internal/metrics"
	"github.com/z3rotig4r/ckks_tree/internal/reducer"
	"github.com/z3rotig4r/ckks_tree/internal/replay"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

func stumpTree() *tree.Tree {
	leaf := func(c int) tree.Node {
		return tree.Node{Feature: tree.LeafMarker, Threshold: -2, Left: tree.NoChild, Right: tree.NoChild, Class: tree.Class(c)}
	}
	return &tree.Tree{
		NFeatures: 1,
		Nodes: []tree.Node{
			{Feature: 0, Threshold: 3.0, Left: 1, Right: 2},
			leaf(0),
			leaf(1),
		},
	}
}

type fixture struct {
	t       *testing.T
	tree    *tree.Tree
	m       *compiler.Matrices
	params  ckks.Parameters
	key     []byte
	srv     *Server
	http    *httptest.Server
	metrics *metrics.Metrics
}

type option func(*Config)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	tr := stumpTree()
	m, err := compiler.Compile(tr)
	require.NoError(t, err)
	ev, err := evaluator.New(m, evaluator.WithWorkers(2), evaluator.WithLogger(discard()))
	require.NoError(t, err)
	params, err := fhe.DefaultParams().Build()
	require.NoError(t, err)

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	sealer, err := envelope.NewSealer(envelope.AESGCM, clone(key))
	require.NoError(t, err)

	met := metrics.New()
	cfg := Config{
		Evaluator: ev,
		Sealer:    sealer,
		Cache:     replay.NewMemory(replay.DefaultTTL, nil),
		Metrics:   met,
		Logger:    discard(),
		MaxSkew:   5 * time.Minute,
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &fixture{t: t, tree: tr, m: m, params: params, key: key, srv: srv, http: hs, metrics: met}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) sealer() *envelope.Sealer {
	s, err := envelope.NewSealer(envelope.AESGCM, clone(f.key))
	require.NoError(f.t, err)
	return s
}

func (f *fixture) client(strategy string, opts ...func(*client.Config)) *client.Client {
	st, err := reducer.New(strategy, f.tree, f.m, 0)
	require.NoError(f.t, err)
	cfg := client.Config{
		BaseURL:  f.http.URL,
		Sealer:   f.sealer(),
		Params:   f.params,
		Matrices: f.m,
		Strategy: st,
		Logger:   discard(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := client.New(cfg)
	require.NoError(f.t, err)
	return c
}

// request builds a sealed request for x with a context of the given width.
func (f *fixture) request(x []float64, width int, at time.Time) *envelope.Request {
	f.t.Helper()
	keys, err := fhe.NewContext(f.params, width)
	require.NoError(f.t, err)
	pub, err := keys.ExportPublic()
	require.NoError(f.t, err)
	v := make([]float64, width)
	copy(v, x)
	v[width-1] = 1
	ct, err := keys.Encrypt(v)
	require.NoError(f.t, err)
	req, err := envelope.NewRequest(f.sealer(), pub, ct, at)
	require.NoError(f.t, err)
	return req
}

type reply struct {
	status int
	body   []byte
}

func (r reply) errorKind(t *testing.T) string {
	t.Helper()
	var eb envelope.ErrorResponse
	require.NoError(t, json.Unmarshal(r.body, &eb), string(r.body))
	return eb.Error
}

func (f *fixture) post(body []byte) reply {
	f.t.Helper()
	resp, err := http.Post(f.http.URL+"/infer", "application/json", bytes.NewReader(body))
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return reply{status: resp.StatusCode, body: raw}
}

func (f *fixture) postRequest(req *envelope.Request) reply {
	f.t.Helper()
	body, err := json.Marshal(req)
	require.NoError(f.t, err)
	return f.post(body)
}

// sealRaw wraps an arbitrary plaintext payload in a valid request.
func (f *fixture) sealRaw(plain []byte) *envelope.Request {
	f.t.Helper()
	iv, ct, err := f.sealer().Seal(plain)
	require.NoError(f.t, err)
	nonce := make([]byte, envelope.NonceSize)
	_, err = rand.Read(nonce)
	require.NoError(f.t, err)
	return &envelope.Request{
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Timestamp: float64(time.Now().Unix()),
		Payload: envelope.Payload{
			IV: base64.StdEncoding.EncodeToString(iv),
			CT: base64.StdEncoding.EncodeToString(ct),
		},
	}
}

func TestInferEndToEnd(t *testing.T) {
	f := newFixture(t)
	c := f.client("both")

	tests := []struct {
		x    float64
		want int
	}{
		{x: 2, want: 0},
		{x: 5, want: 1},
		{x: 2.5, want: 0},
		{x: 3.5, want: 1},
	}
	for _, tt := range tests {
		out, err := c.Predict(context.Background(), []float64{tt.x})
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.Class, "x=%v", tt.x)
		assert.True(t, out.Agree)
		assert.False(t, out.Ambiguous)
		assert.InDelta(t, tt.x-3, out.Decrypted.NodeScores[0], 1e-2)
	}

	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(f.metrics.Requests.WithLabelValues(StageResponded.String(), KindOK)))
}

func TestInferArgminOnly(t *testing.T) {
	f := newFixture(t)
	out, err := f.client("argmin").Predict(context.Background(), []float64{5})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Class)
	assert.Equal(t, 2, out.Leaf)
	require.Len(t, out.Decrypted.PathCosts, 2)
	assert.InDelta(t, 2, out.Decrypted.PathCosts[0], 1e-2)
	assert.InDelta(t, -2, out.Decrypted.PathCosts[1], 1e-2)
}

func TestInferSealedResponses(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SealResponses = true })

	r := f.postRequest(f.request([]float64{5}, f.m.Width(), time.Now()))
	require.Equal(t, http.StatusOK, r.status, string(r.body))
	var resp envelope.Response
	require.NoError(t, json.Unmarshal(r.body, &resp))
	assert.NotEmpty(t, resp.IV)

	requireSealed := func(c *client.Config) { c.RequireSealedResponse = true }
	out, err := f.client("traverse", requireSealed).Predict(context.Background(), []float64{5})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Class)
}

func TestClientRequiresSealedResponse(t *testing.T) {
	f := newFixture(t)
	requireSealed := func(c *client.Config) { c.RequireSealedResponse = true }
	_, err := f.client("traverse", requireSealed).Predict(context.Background(), []float64{5})
	assert.ErrorIs(t, err, client.ErrUnsealedResponse)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   string
		status int
	}{
		{"malformed context", &evaluator.EvaluationError{Op: "import context", Err: fmt.Errorf("%w: params", fhe.ErrMalformedContext)}, KindEvaluation, http.StatusInternalServerError},
		{"bad ciphertext", &evaluator.EvaluationError{Op: "import ciphertext", Err: fhe.ErrBadCiphertext}, KindEvaluation, http.StatusInternalServerError},
		{"missing context", evaluator.ErrMissingContext, KindMissingContext, http.StatusBadRequest},
		{"replay", replay.ErrReplayDetected, KindReplay, http.StatusForbidden},
		{"format", &envelope.FormatError{Part: envelope.PartContext, Reason: "short"}, KindEnvelopeFormat, http.StatusBadRequest},
		{"auth", envelope.ErrAuthentication, KindAuthentication, http.StatusBadRequest},
		{"rate", ErrRateLimited, KindRateLimited, http.StatusTooManyRequests},
		{"unknown", errors.New("disk on fire"), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status := classify(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestInferReplay(t *testing.T) {
	f := newFixture(t)
	req := f.request([]float64{2}, f.m.Width(), time.Now())

	first := f.postRequest(req)
	require.Equal(t, http.StatusOK, first.status, string(first.body))

	second := f.postRequest(req)
	assert.Equal(t, http.StatusForbidden, second.status)
	assert.Equal(t, KindReplay, second.errorKind(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReplayRejections))
}

func TestInferRejects(t *testing.T) {
	f := newFixture(t)
	width := f.m.Width()

	tamper := func() *envelope.Request {
		req := f.request([]float64{2}, width, time.Now())
		ct, err := base64.StdEncoding.DecodeString(req.Payload.CT)
		require.NoError(t, err)
		ct[len(ct)/2] ^= 0x01
		req.Payload.CT = base64.StdEncoding.EncodeToString(ct)
		return req
	}

	keys, err := fhe.NewContext(f.params, width)
	require.NoError(t, err)
	pub, err := keys.ExportPublic()
	require.NoError(t, err)
	ct, err := keys.Encrypt([]float64{2, 1})
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    func() *envelope.Request
		status int
		kind   string
	}{
		{
			name:   "tampered payload",
			req:    tamper,
			status: http.StatusBadRequest,
			kind:   KindAuthentication,
		},
		{
			name:   "stale timestamp",
			req:    func() *envelope.Request { return f.request([]float64{2}, width, time.Now().Add(-10*time.Minute)) },
			status: http.StatusBadRequest,
			kind:   KindStaleTimestamp,
		},
		{
			name:   "future timestamp",
			req:    func() *envelope.Request { return f.request([]float64{2}, width, time.Now().Add(10*time.Minute)) },
			status: http.StatusBadRequest,
			kind:   KindStaleTimestamp,
		},
		{
			name:   "missing context",
			req:    func() *envelope.Request { return f.sealRaw(envelope.Pack(nil, ct)) },
			status: http.StatusBadRequest,
			kind:   KindMissingContext,
		},
		{
			name:   "missing ciphertext",
			req:    func() *envelope.Request { return f.sealRaw(envelope.Pack(pub, nil)) },
			status: http.StatusBadRequest,
			kind:   KindMissingCiphertext,
		},
		{
			name:   "truncated frame",
			req:    func() *envelope.Request { return f.sealRaw([]byte{0, 0}) },
			status: http.StatusBadRequest,
			kind:   KindEnvelopeFormat,
		},
		{
			name:   "garbage context",
			req:    func() *envelope.Request { return f.sealRaw(envelope.Pack([]byte("not a context"), ct)) },
			status: http.StatusInternalServerError,
			kind:   KindEvaluation,
		},
		{
			name:   "garbage ciphertext",
			req:    func() *envelope.Request { return f.sealRaw(envelope.Pack(pub, []byte("not a ciphertext"))) },
			status: http.StatusInternalServerError,
			kind:   KindEvaluation,
		},
		{
			name:   "width mismatch",
			req:    func() *envelope.Request { return f.request([]float64{2, 0}, width+1, time.Now()) },
			status: http.StatusInternalServerError,
			kind:   KindEvaluation,
		},
		{
			name: "missing nonce",
			req: func() *envelope.Request {
				req := f.request([]float64{2}, width, time.Now())
				req.Nonce = ""
				return req
			},
			status: http.StatusBadRequest,
			kind:   KindBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.postRequest(tt.req())
			assert.Equal(t, tt.status, r.status, string(r.body))
			assert.Equal(t, tt.kind, r.errorKind(t))
		})
	}
}

func TestInferMalformedJSON(t *testing.T) {
	f := newFixture(t)
	r := f.post([]byte(`{"nonce":`))
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, KindBadRequest, r.errorKind(t))
}

func TestInferBodyLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxBodyBytes = 1024 })
	r := f.postRequest(f.request([]float64{2}, f.m.Width(), time.Now()))
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, KindBadRequest, r.errorKind(t))
}

func TestInferSkewDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxSkew = 0 })
	r := f.postRequest(f.request([]float64{2}, f.m.Width(), time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusOK, r.status, string(r.body))
}

func TestInferConcurrent(t *testing.T) {
	f := newFixture(t)
	const n = 6

	t.Run("distinct nonces", func(t *testing.T) {
		reqs := make([]*envelope.Request, n)
		for i := range reqs {
			reqs[i] = f.request([]float64{2}, f.m.Width(), time.Now())
		}
		var ok atomic.Int32
		var wg sync.WaitGroup
		for _, req := range reqs {
			wg.Add(1)
			go func(req *envelope.Request) {
				defer wg.Done()
				body, _ := json.Marshal(req)
				resp, err := http.Post(f.http.URL+"/infer", "application/json", bytes.NewReader(body))
				if err != nil {
					return
				}
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					ok.Add(1)
				}
			}(req)
		}
		wg.Wait()
		assert.Equal(t, int32(n), ok.Load())
	})

	t.Run("shared nonce", func(t *testing.T) {
		body, err := json.Marshal(f.request([]float64{5}, f.m.Width(), time.Now()))
		require.NoError(t, err)
		var ok, replayed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := http.Post(f.http.URL+"/infer", "application/json", bytes.NewReader(body))
				if err != nil {
					return
				}
				resp.Body.Close()
				switch resp.StatusCode {
				case http.StatusOK:
					ok.Add(1)
				case http.StatusForbidden:
					replayed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(n-1), replayed.Load())
	})
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	first := f.post([]byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, first.status)

	second := f.post([]byte(`{}`))
	assert.Equal(t, http.StatusTooManyRequests, second.status)
	assert.Equal(t, KindRateLimited, second.errorKind(t))
}

func TestHealthAndModel(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(f.http.URL + "/model")
	require.NoError(t, err)
	var info ModelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, ModelInfo{NFeatures: 1, NumNodes: 3, NumLeaves: 2, Width: 2}, info)

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "dtfhe_replay_rejections_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CORSOrigin = "*" })
	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/infer", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTracker(t *testing.T) {
	tr := &tracker{stage: StageReceived}
	tr.advance(StageDecrypted)
	assert.Equal(t, StageReceived, tr.stage, "stages cannot be skipped")

	tr.advance(StageTimestampChecked)
	tr.advance(StageNonceChecked)
	tr.fail()
	assert.Equal(t, StageError, tr.stage)
	assert.Equal(t, StageNonceChecked, tr.failed)

	tr.advance(StageDecrypted)
	assert.Equal(t, StageError, tr.stage)
	assert.Equal(t, "NONCE_CHECKED", tr.failed.String())
	assert.Equal(t, "UNKNOWN", Stage(42).String())
}
