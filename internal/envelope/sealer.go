// Package envelope implements the AEAD-protected request container: the
// pre-shared key, the seal/open primitives and the length-prefixed framing
// of context and ciphertext inside the sealed payload.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the pre-shared key length in bytes.
const KeySize = 32

var (
	ErrAuthentication = errors.New("envelope authentication failed")
	ErrKeySize        = errors.New("envelope key must be 32 bytes")
	ErrUnknownCipher  = errors.New("unknown envelope cipher")
)

// Cipher names an AEAD construction.
type Cipher string

const (
	AESGCM           Cipher = "aes-256-gcm"
	ChaCha20Poly1305 Cipher = "chacha20-poly1305"
)

// ResponseKeyInfo is the HKDF info string for the response sealing key.
const ResponseKeyInfo = "dtfhe-response-v1"

// Sealer performs AEAD seal/open with a key kept in a memguard enclave. The
// plaintext key is only materialised for the duration of one operation.
type Sealer struct {
	cipher  Cipher
	enclave *memguard.Enclave
}

// NewSealer copies key into an enclave and wipes the caller's slice.
func NewSealer(c Cipher, key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: got %d", ErrKeySize, len(key))
	}
	switch c {
	case "":
		c = AESGCM
	case AESGCM, ChaCha20Poly1305:
	default:
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, c)
	}
	return &Sealer{cipher: c, enclave: memguard.NewEnclave(key)}, nil
}

func (s *Sealer) Cipher() Cipher { return s.cipher }

func (s *Sealer) aead() (cipher.AEAD, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	switch s.cipher {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(buf.Bytes())
	default:
		block, err := aes.NewCipher(buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	}
}

// NonceSize is the IV length the configured AEAD expects.
func (s *Sealer) NonceSize() int {
	if s.cipher == ChaCha20Poly1305 {
		return chacha20poly1305.NonceSize
	}
	return 12
}

// Seal encrypts plaintext under a fresh random IV with no associated data.
func (s *Sealer) Seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := s.aead()
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

// Open authenticates and decrypts. Any failure, including a wrong IV
// length, is reported as ErrAuthentication with no plaintext.
func (s *Sealer) Open(iv, ciphertext []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrAuthentication, len(iv), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Derive returns a sealer keyed with HKDF-SHA256(psk, info).
func (s *Sealer) Derive(info string) (*Sealer, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return NewSealer(s.cipher, key)
}

// GenerateKey returns a random pre-shared key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
