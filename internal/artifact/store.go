package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-sql-driver/mysql"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store saves and loads compiled trees by name.
type Store interface {
	Save(ctx context.Context, name string, m *compiler.Matrices) error
	Load(ctx context.Context, name string) (*compiler.Matrices, error)
	Close() error
}

func checkName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FileStore keeps one <name>.dtfm file per artifact under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".dtfm")
}

func (s *FileStore) Save(ctx context.Context, name string, m *compiler.Matrices) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFile(s.path(name), data)
}

func (s *FileStore) Load(ctx context.Context, name string) (*compiler.Matrices, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return ReadFile(s.path(name))
}

func (s *FileStore) Close() error { return nil }

// WriteFile writes an encoded artifact atomically via a temp file.
func WriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadFile loads and decodes an artifact file.
func ReadFile(path string) (*compiler.Matrices, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return Unmarshal(data)
}

// SQLStore keeps artifacts as blobs in a MySQL table.
type SQLStore struct {
	db    *sql.DB
	table string
}

const createTable = "CREATE TABLE IF NOT EXISTS `%s` (" +
	"name VARCHAR(128) NOT NULL PRIMARY KEY," +
	"data LONGBLOB NOT NULL," +
	"updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP)"

// NewSQLStore opens dsn (go-sql-driver DSN syntax) and ensures the table exists.
func NewSQLStore(ctx context.Context, dsn, table string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return NewSQLStoreFromDB(ctx, db, table)
}

// NewSQLStoreFromDB wraps an open database handle.
func NewSQLStoreFromDB(ctx context.Context, db *sql.DB, table string) (*SQLStore, error) {
	if err := checkName(table); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(createTable, table)); err != nil {
		return nil, fmt.Errorf("create artifact table: %w", err)
	}
	return &SQLStore{db: db, table: table}, nil
}

func (s *SQLStore) Save(ctx context.Context, name string, m *compiler.Matrices) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO `%s` (name, data) VALUES (?, ?) ON DUPLICATE KEY UPDATE data = VALUES(data)", s.table)
	if _, err := s.db.ExecContext(ctx, q, name, data); err != nil {
		return fmt.Errorf("save artifact %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, name string) (*compiler.Matrices, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	var data []byte
	q := fmt.Sprintf("SELECT data FROM `%s` WHERE name = ?", s.table)
	if err := s.db.QueryRowContext(ctx, q, name).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("load artifact %s: %w", name, err)
	}
	return Unmarshal(data)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
