// Package config loads service and client settings from YAML with
// environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/z3rotig4r/ckks_tree/internal/fhe"
)

var ErrNoKey = errors.New("no pre-shared key configured")

type Config struct {
	Server   Server            `yaml:"server"`
	Model    Model             `yaml:"model"`
	Security Security          `yaml:"security"`
	Replay   Replay            `yaml:"replay"`
	FHE      fhe.ParamsLiteral `yaml:"fhe"`
	Log      Log               `yaml:"log"`
	Client   Client            `yaml:"client"`
}

type Server struct {
	Addr         string        `yaml:"addr" validate:"required"`
	TLSCert      string        `yaml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`
	CORSOrigin   string        `yaml:"cors_origin"`
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"` // requests per second, 0 disables
	RateBurst    int           `yaml:"rate_burst" validate:"gte=0"`
	Workers      int           `yaml:"workers" validate:"gte=0"`
}

type Model struct {
	Store    string `yaml:"store" validate:"oneof=file mysql"`
	Path     string `yaml:"path" validate:"required_if=Store file"`
	Name     string `yaml:"name" validate:"required_if=Store mysql"`
	MySQLDSN string `yaml:"mysql_dsn" validate:"required_if=Store mysql"`
	Table    string `yaml:"table"`
	Tree     string `yaml:"tree"`
}

type Security struct {
	PSK           string        `yaml:"psk" validate:"omitempty,hexadecimal,len=64"`
	PSKFile       string        `yaml:"psk_file"`
	Cipher        string        `yaml:"cipher" validate:"oneof=aes-256-gcm chacha20-poly1305"`
	MaxSkew       time.Duration `yaml:"max_skew" validate:"gte=0"` // 0 disables the timestamp check
	SealResponses bool          `yaml:"seal_responses"`
}

type Replay struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis badger"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
	Redis   Redis         `yaml:"redis"`
	Badger  Badger        `yaml:"badger"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Badger struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type Client struct {
	ServerURL string        `yaml:"server_url" validate:"omitempty,url"`
	Strategy  string        `yaml:"strategy" validate:"oneof=argmin traverse both"`
	Epsilon   float64       `yaml:"epsilon" validate:"gt=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns settings for a single local instance.
func Default() Config {
	return Config{
		Server: Server{
			Addr:         ":8080",
			TLSCert:      "server.crt",
			TLSKey:       "server.key",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			MaxBodyBytes: 64 << 20,
			CORSOrigin:   "*",
			RateBurst:    10,
		},
		Model: Model{
			Store: "file",
			Path:  "model.dtfm",
			Table: "dtfhe_artifacts",
		},
		Security: Security{
			Cipher:  "aes-256-gcm",
			MaxSkew: 5 * time.Minute,
		},
		Replay: Replay{
			Backend: "memory",
			TTL:     60 * time.Second,
			Redis:   Redis{Addr: "localhost:6379", Prefix: "dtfhe:nonce:"},
			Badger:  Badger{Path: "data/nonces"},
		},
		FHE: fhe.DefaultParams(),
		Log: Log{Level: "info", Format: "text"},
		Client: Client{
			ServerURL: "http://localhost:8080",
			Strategy:  "both",
			Epsilon:   1e-3,
			Timeout:   2 * time.Minute,
		},
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path uses defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DTFHE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DTFHE_PSK"); v != "" {
		cfg.Security.PSK = v
	}
	if v := os.Getenv("DTFHE_REDIS_ADDR"); v != "" {
		cfg.Replay.Redis.Addr = v
	}
	if v := os.Getenv("DTFHE_MYSQL_DSN"); v != "" {
		cfg.Model.MySQLDSN = v
	}
	if v := os.Getenv("DTFHE_REPLAY_BACKEND"); v != "" {
		cfg.Replay.Backend = v
	}
	if v := os.Getenv("DTFHE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DTFHE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DTFHE_RATE_LIMIT: %w", err)
		}
		cfg.Server.RateLimit = f
	}
	return nil
}

func (c Config) Validate() error {
	return validate.Struct(c)
}

// Key resolves the pre-shared key from psk or psk_file (hex, 32 bytes).
func (s Security) Key() ([]byte, error) {
	raw := s.PSK
	if raw == "" && s.PSKFile != "" {
		data, err := os.ReadFile(s.PSKFile)
		if err != nil {
			return nil, fmt.Errorf("read psk file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode psk: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("psk is %d bytes, want 32", len(key))
	}
	return key, nil
}
