package main

import (
	"context"
	"fmt"
	"os"

	"github.com/z3rotig4r/ckks_tree/internal/artifact"
	"github.com/z3rotig4r/ckks_tree/internal/compiler"
	"github.com/z3rotig4r/ckks_tree/internal/config"
	"github.com/z3rotig4r/ckks_tree/internal/envelope"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

const defaultArtifactName = "model"

// openStore returns the artifact store named by the model config. A file
// path that is a directory is treated as a FileStore root.
func openStore(ctx context.Context, m config.Model) (artifact.Store, error) {
	switch m.Store {
	case "mysql":
		return artifact.NewSQLStore(ctx, m.MySQLDSN, m.Table)
	default:
		return artifact.NewFileStore(m.Path)
	}
}

func artifactName(m config.Model) string {
	if m.Name != "" {
		return m.Name
	}
	return defaultArtifactName
}

// loadMatrices reads the compiled model for serving.
func loadMatrices(ctx context.Context, m config.Model) (*compiler.Matrices, error) {
	if m.Store == "file" && !dirExists(m.Path) {
		return artifact.ReadFile(m.Path)
	}
	store, err := openStore(ctx, m)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(ctx, artifactName(m))
}

// saveMatrices writes a compiled model to where loadMatrices will look.
func saveMatrices(ctx context.Context, m config.Model, mat *compiler.Matrices) (string, error) {
	if m.Store == "file" && !dirExists(m.Path) {
		data, err := artifact.Marshal(mat)
		if err != nil {
			return "", err
		}
		return m.Path, artifact.WriteFile(m.Path, data)
	}
	store, err := openStore(ctx, m)
	if err != nil {
		return "", err
	}
	defer store.Close()
	name := artifactName(m)
	return fmt.Sprintf("%s:%s", m.Store, name), store.Save(ctx, name, mat)
}

// loadTree reads a tree JSON and compiles it.
func loadTree(path string) (*tree.Tree, *compiler.Matrices, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("no tree file given (--tree or model.tree)")
	}
	t, err := tree.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := compiler.Compile(t)
	if err != nil {
		return nil, nil, err
	}
	return t, m, nil
}

func newSealer(s config.Security) (*envelope.Sealer, error) {
	key, err := s.Key()
	if err != nil {
		return nil, err
	}
	return envelope.NewSealer(envelope.Cipher(s.Cipher), key)
}

// fileExists 는 파일이 존재하는지 확인
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
