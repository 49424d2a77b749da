package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// NonceSize is the length of the random request nonce.
const NonceSize = 16

// Payload is the sealed part of a request.
type Payload struct {
	IV string `json:"iv" validate:"required,base64"`
	CT string `json:"ct" validate:"required,base64"`
}

// Request is the JSON body posted to /infer.
type Request struct {
	Nonce     string  `json:"nonce" validate:"required,base64"`
	Timestamp float64 `json:"timestamp" validate:"required,gt=0"`
	Payload   Payload `json:"payload" validate:"required"`
}

// Response carries the base64 serialized result record. IV is set only when
// responses are sealed.
type Response struct {
	Result string `json:"result"`
	IV     string `json:"iv,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field presence and encodings.
func (r *Request) Validate() error {
	return validate.Struct(r)
}

// Decoded holds the raw bytes of a validated request.
type Decoded struct {
	Nonce      []byte
	Timestamp  time.Time
	IV         []byte
	Ciphertext []byte
}

// Decode base64-decodes the request fields.
func (r *Request) Decode() (*Decoded, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(r.Payload.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(r.Payload.CT)
	if err != nil {
		return nil, fmt.Errorf("decode ct: %w", err)
	}
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return &Decoded{
		Nonce:      nonce,
		Timestamp:  time.Unix(sec, nsec),
		IV:         iv,
		Ciphertext: ct,
	}, nil
}

// NewRequest seals the framed context and ciphertext into a request with
// a fresh nonce stamped at now.
func NewRequest(s *Sealer, ctx, ct []byte, now time.Time) (*Request, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	iv, sealed, err := s.Seal(Pack(ctx, ct))
	if err != nil {
		return nil, err
	}
	return &Request{
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Timestamp: float64(now.UnixNano()) / 1e9,
		Payload: Payload{
			IV: base64.StdEncoding.EncodeToString(iv),
			CT: base64.StdEncoding.EncodeToString(sealed),
		},
	}, nil
}

// Open authenticates the payload and splits it into context and ciphertext.
func Open(s *Sealer, d *Decoded) (ctx, ct []byte, err error) {
	plain, err := s.Open(d.IV, d.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return Unpack(plain)
}
