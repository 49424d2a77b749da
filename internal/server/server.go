// Package server exposes encrypted tree inference over HTTP.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/z3rotig4r/ckks_tree/internal/envelope"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/metrics"
	"github.com/z3rotig4r/ckks_tree/internal/replay"
)

// Config holds server collaborators and limits.
type Config struct {
	Evaluator *evaluator.Evaluator
	Sealer    *envelope.Sealer
	Cache     replay.Cache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	MaxBodyBytes  int64
	MaxSkew       time.Duration // 0 disables the timestamp check
	SealResponses bool
	CORSOrigin    string
	RateLimit     float64 // requests per second, 0 disables
	RateBurst     int

	Now func() time.Time
}

// Server handles inference requests. It is safe for concurrent use.
type Server struct {
	cfg        Config
	respSealer *envelope.Sealer
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New validates cfg and builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.Evaluator == nil {
		return nil, errors.New("server: evaluator is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("server: sealer is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = replay.NewMemory(replay.DefaultTTL, nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if cfg.SealResponses {
		rs, err := cfg.Sealer.Derive(envelope.ResponseKeyInfo)
		if err != nil {
			return nil, fmt.Errorf("derive response key: %w", err)
		}
		s.respSealer = rs
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/model", s.handleModel).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/infer", s.rateLimit(http.HandlerFunc(s.handleInfer))).Methods(http.MethodPost, http.MethodOptions)
	return s.cors(router)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.Requests.WithLabelValues(StageReceived.String(), KindRateLimited).Inc()
			s.writeError(w, ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

// ModelInfo is the public shape of the served model.
type ModelInfo struct {
	NFeatures int `json:"n_features"`
	NumNodes  int `json:"num_nodes"`
	NumLeaves int `json:"num_leaves"`
	Width     int `json:"width"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Evaluator.Matrices()
	writeJSON(w, http.StatusOK, ModelInfo{
		NFeatures: m.NFeatures,
		NumNodes:  m.NumNodes(),
		NumLeaves: m.NumLeaves(),
		Width:     m.Width(),
	})
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	reqID := uuid.New().String()
	w.Header().Set("X-Request-ID", reqID)

	tr := &tracker{stage: StageReceived}
	resp, err := s.infer(w, r, tr)

	kind := KindOK
	if err != nil {
		tr.fail()
		kind, _ = classify(err)
		s.writeError(w, err)
	} else {
		tr.advance(StageResponded)
		writeJSON(w, http.StatusOK, resp)
	}

	stage := tr.stage
	if stage == StageError {
		stage = tr.failed
	}
	s.metrics.Requests.WithLabelValues(stage.String(), kind).Inc()
	if kind == KindReplay {
		s.metrics.ReplayRejections.Inc()
	}

	attrs := []any{
		slog.String("request_id", reqID),
		slog.String("stage", tr.stage.String()),
		slog.String("kind", kind),
		slog.Duration("duration", s.now().Sub(start)),
	}
	switch {
	case err == nil:
		s.logger.Info("inference completed", attrs...)
	case kind == KindEvaluation || kind == KindInternal:
		s.logger.Error("inference failed", append(attrs, slog.String("failed_at", tr.failed.String()), slog.String("error", err.Error()))...)
	default:
		s.logger.Warn("inference rejected", append(attrs, slog.String("failed_at", tr.failed.String()), slog.String("error", err.Error()))...)
	}
}

// infer walks the request through every stage. Each step either advances
// the tracker or returns an error; nothing is written to w here.
func (s *Server) infer(w http.ResponseWriter, r *http.Request, tr *tracker) (*envelope.Response, error) {
	var req envelope.Request
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrBadRequest, err)
	}
	decoded, err := req.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	s.metrics.RequestBytes.Observe(float64(len(decoded.Ciphertext)))

	if s.cfg.MaxSkew > 0 {
		skew := s.now().Sub(decoded.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > s.cfg.MaxSkew {
			return nil, fmt.Errorf("%w: %s", ErrStaleTimestamp, skew.Round(time.Second))
		}
	}
	tr.advance(StageTimestampChecked)

	if err := replay.Check(r.Context(), s.cfg.Cache, decoded.Nonce); err != nil {
		return nil, err
	}
	tr.advance(StageNonceChecked)

	plain, err := s.cfg.Sealer.Open(decoded.IV, decoded.Ciphertext)
	if err != nil {
		return nil, err
	}
	tr.advance(StageDecrypted)

	ctxBytes, ctBytes, err := envelope.Unpack(plain)
	if err != nil {
		return nil, err
	}
	tr.advance(StageParsed)

	evalStart := time.Now()
	res, err := s.cfg.Evaluator.Evaluate(ctxBytes, ctBytes)
	if err != nil {
		return nil, err
	}
	s.metrics.EvaluationDuration.Observe(time.Since(evalStart).Seconds())
	tr.advance(StageEvaluated)

	record, err := json.Marshal(res.Record())
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if s.respSealer == nil {
		return &envelope.Response{Result: base64.StdEncoding.EncodeToString(record)}, nil
	}
	iv, sealed, err := s.respSealer.Seal(record)
	if err != nil {
		return nil, fmt.Errorf("seal response: %w", err)
	}
	return &envelope.Response{
		Result: base64.StdEncoding.EncodeToString(sealed),
		IV:     base64.StdEncoding.EncodeToString(iv),
	}, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError && kind == KindInternal {
		detail = "internal error"
	}
	writeJSON(w, status, envelope.ErrorResponse{Error: kind, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
