// Package client encrypts a feature vector, submits it to an inference
// server and reduces the encrypted reply to a class label.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/envelope"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/fhe"
	"github.com/z3rotig4r/ckks_tree/internal/reducer"
)

// ErrUnsealedResponse is returned when a sealed reply is required but the
// server sent a plain one.
var ErrUnsealedResponse = errors.New("response is not sealed")

// ServerError is a non-2xx reply decoded from the error body.
type ServerError struct {
	Status int
	Kind   string
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("server returned %d: %s: %s", e.Status, e.Kind, e.Detail)
}

// Config wires a client.
type Config struct {
	BaseURL  string
	HTTP     *http.Client
	Sealer   *envelope.Sealer
	Params   ckks.Parameters
	Matrices *compiler.Matrices
	Strategy reducer.Strategy
	Logger   *slog.Logger
	Now      func() time.Time

	// RequireSealedResponse rejects replies without an iv. Set it whenever
	// the server seals responses, otherwise a stripped reply is accepted.
	RequireSealedResponse bool
}

// Client is bound to one model. Each call generates a fresh key pair so no
// two requests share a context.
type Client struct {
	cfg        Config
	respSealer *envelope.Sealer
	submit     func(ctx context.Context, pub, ct []byte) (*evaluator.Result, error)
}

// New returns a client that talks to a remote server over HTTP.
func New(cfg Config) (*Client, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("client: sealer is required")
	}
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if c.respSealer, err = c.cfg.Sealer.Derive(envelope.ResponseKeyInfo); err != nil {
		return nil, err
	}
	c.submit = c.remote
	return c, nil
}

// NewLocal returns a client that evaluates in process, skipping transport
// and the envelope. Used for benchmarks and tests.
func NewLocal(ev *evaluator.Evaluator, cfg Config) (*Client, error) {
	cfg.Matrices = ev.Matrices()
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	c.submit = func(_ context.Context, pub, ct []byte) (*evaluator.Result, error) {
		return ev.Evaluate(pub, ct)
	}
	return c, nil
}

func newClient(cfg Config) (*Client, error) {
	if cfg.Matrices == nil {
		return nil, errors.New("client: matrices are required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = reducer.NewArgminPathCost(cfg.Matrices, reducer.DefaultEpsilon)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Params.LogN() == 0 {
		params, err := fhe.DefaultParams().Build()
		if err != nil {
			return nil, err
		}
		cfg.Params = params
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}, nil
}

// Matrices returns the model shape the client encrypts for.
func (c *Client) Matrices() *compiler.Matrices { return c.cfg.Matrices }

// Timings breaks a call down by phase.
type Timings struct {
	Keygen  time.Duration
	Encrypt time.Duration
	Server  time.Duration
	Decrypt time.Duration
}

// Outcome is the reduced prediction plus the decrypted values it came from.
type Outcome struct {
	reducer.Prediction
	Decrypted reducer.Decrypted
	Timings   Timings
}

// Predict runs one encrypted inference for x.
func (c *Client) Predict(ctx context.Context, x []float64) (*Outcome, error) {
	m := c.cfg.Matrices
	input, err := m.Input(x)
	if err != nil {
		return nil, err
	}
	var out Outcome

	start := time.Now()
	keys, err := fhe.NewContext(c.cfg.Params, m.Width())
	if err != nil {
		return nil, err
	}
	pub, err := keys.ExportPublic()
	if err != nil {
		return nil, err
	}
	out.Timings.Keygen = time.Since(start)

	start = time.Now()
	ct, err := keys.Encrypt(input)
	if err != nil {
		return nil, err
	}
	out.Timings.Encrypt = time.Since(start)

	start = time.Now()
	res, err := c.submit(ctx, pub, ct)
	if err != nil {
		return nil, err
	}
	out.Timings.Server = time.Since(start)

	start = time.Now()
	out.Decrypted, err = decryptAll(keys, res)
	if err != nil {
		return nil, err
	}
	out.Timings.Decrypt = time.Since(start)

	out.Prediction, err = c.cfg.Strategy.Select(out.Decrypted)
	if err != nil {
		return &out, err
	}
	c.cfg.Logger.Debug("prediction",
		slog.Int("class", out.Class),
		slog.Int("leaf", out.Leaf),
		slog.Bool("ambiguous", out.Ambiguous),
		slog.Duration("server", out.Timings.Server))
	return &out, nil
}

func (c *Client) remote(ctx context.Context, pub, ct []byte) (*evaluator.Result, error) {
	req, err := envelope.NewRequest(c.cfg.Sealer, pub, ct, c.cfg.Now())
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// Send posts a prepared request and returns the parsed result record.
func (c *Client) Send(ctx context.Context, req *envelope.Request) (*evaluator.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post /infer: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb envelope.ErrorResponse
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &ServerError{Status: resp.StatusCode, Kind: eb.Error, Detail: eb.Detail}
	}

	var r envelope.Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	record, err := base64.StdEncoding.DecodeString(r.Result)
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if r.IV == "" && c.cfg.RequireSealedResponse {
		return nil, ErrUnsealedResponse
	}
	if r.IV != "" {
		if c.respSealer == nil {
			return nil, errors.New("sealed response without a response key")
		}
		iv, err := base64.StdEncoding.DecodeString(r.IV)
		if err != nil {
			return nil, fmt.Errorf("decode response iv: %w", err)
		}
		if record, err = c.respSealer.Open(iv, record); err != nil {
			return nil, err
		}
	}
	return evaluator.ParseRecord(record)
}

func decryptAll(keys *fhe.Context, res *evaluator.Result) (reducer.Decrypted, error) {
	d := reducer.Decrypted{
		NodeScores: make([]float64, len(res.NodeScores)),
		PathCosts:  make([]float64, len(res.PathCosts)),
	}
	var err error
	for i, b := range res.NodeScores {
		if d.NodeScores[i], err = keys.DecryptScalar(b); err != nil {
			return d, fmt.Errorf("node score %d: %w", i, err)
		}
	}
	for i, b := range res.PathCosts {
		if d.PathCosts[i], err = keys.DecryptScalar(b); err != nil {
			return d, fmt.Errorf("path cost %d: %w", i, err)
		}
	}
	return d, nil
}
