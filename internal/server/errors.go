package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/z3rotig4r/ckks_tree/internal/envelope"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/replay"
)

var (
	ErrBadRequest     = errors.New("bad request")
	ErrStaleTimestamp = errors.New("request timestamp outside allowed skew")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Error kinds reported in the "error" field of an error response.
const (
	KindOK                = "ok"
	KindBadRequest        = "bad_request"
	KindStaleTimestamp    = "stale_timestamp"
	KindReplay            = "replay_detected"
	KindAuthentication    = "authentication_failed"
	KindEnvelopeFormat    = "envelope_format"
	KindMissingContext    = "missing_context"
	KindMissingCiphertext = "missing_ciphertext"
	KindEvaluation        = "evaluation_failed"
	KindRateLimited       = "rate_limited"
	KindInternal          = "internal"
)

// classify maps an error to its kind and HTTP status. Any failure of the
// homomorphic library, including importing the client's context, is an
// evaluation failure.
func classify(err error) (kind string, status int) {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited, http.StatusTooManyRequests
	case errors.Is(err, ErrBadRequest), errors.As(err, &verr):
		return KindBadRequest, http.StatusBadRequest
	case errors.Is(err, ErrStaleTimestamp):
		return KindStaleTimestamp, http.StatusBadRequest
	case errors.Is(err, replay.ErrReplayDetected):
		return KindReplay, http.StatusForbidden
	case errors.Is(err, envelope.ErrAuthentication):
		return KindAuthentication, http.StatusBadRequest
	case errors.Is(err, envelope.ErrFormat):
		return KindEnvelopeFormat, http.StatusBadRequest
	case errors.Is(err, evaluator.ErrMissingContext):
		return KindMissingContext, http.StatusBadRequest
	case errors.Is(err, evaluator.ErrMissingCiphertext):
		return KindMissingCiphertext, http.StatusBadRequest
	}
	var eerr *evaluator.EvaluationError
	if errors.As(err, &eerr) {
		return KindEvaluation, http.StatusInternalServerError
	}
	return KindInternal, http.StatusInternalServerError
}
