package fhe

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

var (
	ErrNoSecretKey      = errors.New("context has no secret key")
	ErrVectorTooLong    = errors.New("vector exceeds slot count")
	ErrMalformedContext = errors.New("malformed context bytes")
	ErrBadCiphertext    = errors.New("invalid ciphertext")
)

// MaxBlobSize caps any single serialized object. 10MB, same limit as the HTTP ciphertext check.
const MaxBlobSize = 10 * 1024 * 1024

// Context holds CKKS parameters and key material. A context built by
// NewContext carries the secret key; one returned by ImportContext never does.
// A Context is not safe for concurrent use.
type Context struct {
	params     ckks.Parameters
	size       int
	pk         *rlwe.PublicKey
	sk         *rlwe.SecretKey
	galoisKeys []*rlwe.GaloisKey

	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

// NewContext generates a fresh key pair and the Galois keys needed to sum
// the first size slots.
func NewContext(params ckks.Parameters, size int) (*Context, error) {
	if size <= 0 || size > params.MaxSlots() {
		return nil, fmt.Errorf("%w: size %d, slots %d", ErrVectorTooLong, size, params.MaxSlots())
	}
	kgen := ckks.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	gks := kgen.GenGaloisKeysNew(params.GaloisElementsForInnerSum(1, size), sk)

	c := &Context{
		params:     params,
		size:       size,
		pk:         pk,
		sk:         sk,
		galoisKeys: gks,
	}
	c.init()
	return c, nil
}

func (c *Context) init() {
	c.encoder = ckks.NewEncoder(c.params)
	c.encryptor = ckks.NewEncryptor(c.params, c.pk)
	if c.sk != nil {
		c.decryptor = ckks.NewDecryptor(c.params, c.sk)
	}
}

func (c *Context) Params() ckks.Parameters { return c.params }

// Size is the vector length the Galois keys cover.
func (c *Context) Size() int { return c.size }

func (c *Context) HasSecretKey() bool { return c.sk != nil }

// EvaluationKeys returns the key set an evaluator needs. No relinearization
// key is included since no ciphertext-ciphertext product is ever taken.
func (c *Context) EvaluationKeys() *rlwe.MemEvaluationKeySet {
	return rlwe.NewMemEvaluationKeySet(nil, c.galoisKeys...)
}

// ExportPublic serializes parameters, public key and Galois keys:
//
//	u32 size | u32 len | params | u32 len | pk | u32 count | (u32 len | galois key)*
//
// The secret key is never written.
func (c *Context) ExportPublic() ([]byte, error) {
	paramBytes, err := c.params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	pkBytes, err := c.pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	out := binary.BigEndian.AppendUint32(nil, uint32(c.size))
	out = appendBlob(out, paramBytes)
	out = appendBlob(out, pkBytes)
	out = binary.BigEndian.AppendUint32(out, uint32(len(c.galoisKeys)))
	for i, gk := range c.galoisKeys {
		b, err := gk.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal galois key %d: %w", i, err)
		}
		out = appendBlob(out, b)
	}
	return out, nil
}

// ImportContext parses bytes produced by ExportPublic.
func ImportContext(data []byte) (*Context, error) {
	r := blobReader{buf: data}

	size, err := r.uint32()
	if err != nil {
		return nil, err
	}
	paramBytes, err := r.blob()
	if err != nil {
		return nil, err
	}
	var params ckks.Parameters
	if err := unmarshal(&params, paramBytes); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrMalformedContext, err)
	}
	if int(size) <= 0 || int(size) > params.MaxSlots() {
		return nil, fmt.Errorf("%w: size %d", ErrMalformedContext, size)
	}

	pkBytes, err := r.blob()
	if err != nil {
		return nil, err
	}
	pk := new(rlwe.PublicKey)
	if err := unmarshal(pk, pkBytes); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrMalformedContext, err)
	}

	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(count) > params.LogN()*2 {
		return nil, fmt.Errorf("%w: %d galois keys", ErrMalformedContext, count)
	}
	gks := make([]*rlwe.GaloisKey, 0, count)
	for i := 0; i < int(count); i++ {
		b, err := r.blob()
		if err != nil {
			return nil, err
		}
		gk := new(rlwe.GaloisKey)
		if err := unmarshal(gk, b); err != nil {
			return nil, fmt.Errorf("%w: galois key %d: %v", ErrMalformedContext, i, err)
		}
		gks = append(gks, gk)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedContext, r.remaining())
	}

	c := &Context{params: params, size: int(size), pk: pk, galoisKeys: gks}
	c.init()
	return c, nil
}

// Encrypt encodes v into the leading slots and encrypts it at the top level.
func (c *Context) Encrypt(v []float64) ([]byte, error) {
	ct, err := c.EncryptNew(v)
	if err != nil {
		return nil, err
	}
	b, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext: %w", err)
	}
	return b, nil
}

// EncryptNew is Encrypt without serialization.
func (c *Context) EncryptNew(v []float64) (*rlwe.Ciphertext, error) {
	if len(v) > c.params.MaxSlots() {
		return nil, fmt.Errorf("%w: %d > %d", ErrVectorTooLong, len(v), c.params.MaxSlots())
	}
	pt := ckks.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(v, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// ImportCiphertext parses a ciphertext and checks it fits these parameters.
func (c *Context) ImportCiphertext(data []byte) (*rlwe.Ciphertext, error) {
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrBadCiphertext, len(data))
	}
	ct := new(rlwe.Ciphertext)
	if err := unmarshal(ct, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if ct.Level() < 0 || ct.Level() > c.params.MaxLevel() {
		return nil, fmt.Errorf("%w: level %d (max %d)", ErrBadCiphertext, ct.Level(), c.params.MaxLevel())
	}
	if ct.Degree() != 1 {
		return nil, fmt.Errorf("%w: degree %d", ErrBadCiphertext, ct.Degree())
	}
	return ct, nil
}

// Decrypt returns the first n slots of ct. Values are approximate.
func (c *Context) Decrypt(ct *rlwe.Ciphertext, n int) ([]float64, error) {
	if c.decryptor == nil {
		return nil, ErrNoSecretKey
	}
	if n <= 0 || n > c.params.MaxSlots() {
		n = c.params.MaxSlots()
	}
	values := make([]float64, c.params.MaxSlots())
	if err := c.encoder.Decode(c.decryptor.DecryptNew(ct), values); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return values[:n], nil
}

// DecryptBytes imports and decrypts a serialized ciphertext.
func (c *Context) DecryptBytes(data []byte, n int) ([]float64, error) {
	ct, err := c.ImportCiphertext(data)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(ct, n)
}

// DecryptScalar returns slot 0, where inner sums land.
func (c *Context) DecryptScalar(data []byte) (float64, error) {
	v, err := c.DecryptBytes(data, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// unmarshal recovers from panics raised by lattigo on hostile input.
func unmarshal(v encoding.BinaryUnmarshaler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unmarshal panicked: %v", r)
		}
	}()
	return v.UnmarshalBinary(data)
}

func appendBlob(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

type blobReader struct {
	buf []byte
	off int
}

func (r *blobReader) remaining() int { return len(r.buf) - r.off }

func (r *blobReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated length prefix at %d", ErrMalformedContext, r.off)
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *blobReader) blob() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > MaxBlobSize || int(n) > r.remaining() {
		return nil, fmt.Errorf("%w: section of %d bytes at %d", ErrMalformedContext, n, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}
