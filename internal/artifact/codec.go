// Package artifact persists compiled tree matrices.
//
// Layout (little-endian):
//
//	"DTFM" | u16 version | u32 n_features | u32 num_nodes | u32 num_leaves
//	| f64 decision[num_nodes*(n_features+1)] | f64 path_cost[num_leaves*num_nodes]
//	| i64 leaf_outputs[num_leaves] | i32 leaf_nodes[num_leaves] | u32 crc32
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/z3rotig4r/ckks_tree/internal/compiler"
)

const (
	magic   = "DTFM"
	Version = 1

	// maxDim bounds header counts before allocation.
	maxDim = 1 << 20
)

var (
	ErrBadMagic    = errors.New("not a compiled tree artifact")
	ErrBadVersion  = errors.New("unsupported artifact version")
	ErrBadChecksum = errors.New("artifact checksum mismatch")
	ErrTruncated   = errors.New("artifact truncated")
)

// Marshal encodes m. Float values are written as raw IEEE-754 bits so a
// round trip is bit-exact.
func Marshal(m *compiler.Matrices) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	nf, nn, nl := m.NFeatures, m.NumNodes(), m.NumLeaves()
	le := binary.LittleEndian
	buf := make([]byte, 0, len(magic)+14+8*nn*(nf+1)+8*nl*nn+12*nl+4)

	buf = append(buf, magic...)
	buf = le.AppendUint16(buf, Version)
	buf = le.AppendUint32(buf, uint32(nf))
	buf = le.AppendUint32(buf, uint32(nn))
	buf = le.AppendUint32(buf, uint32(nl))
	for _, row := range m.Decision {
		for _, v := range row {
			buf = le.AppendUint64(buf, math.Float64bits(v))
		}
	}
	for _, row := range m.PathCost {
		for _, v := range row {
			buf = le.AppendUint64(buf, math.Float64bits(v))
		}
	}
	for _, c := range m.LeafOutputs {
		buf = le.AppendUint64(buf, uint64(int64(c)))
	}
	for _, n := range m.LeafNodes {
		buf = le.AppendUint32(buf, uint32(int32(n)))
	}
	return le.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// Unmarshal decodes and validates an artifact.
func Unmarshal(data []byte) (*compiler.Matrices, error) {
	if len(data) < len(magic)+2+12+4 {
		return nil, ErrTruncated
	}
	if string(data[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, ErrBadChecksum
	}

	r := bytes.NewReader(body[len(magic):])
	var hdr struct {
		Version   uint16
		NFeatures uint32
		NumNodes  uint32
		NumLeaves uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr.Version)
	}
	if hdr.NFeatures > maxDim || hdr.NumNodes > maxDim || hdr.NumLeaves > maxDim {
		return nil, fmt.Errorf("%w: header dimensions %d/%d/%d", ErrTruncated, hdr.NFeatures, hdr.NumNodes, hdr.NumLeaves)
	}

	nf, nn, nl := int(hdr.NFeatures), int(hdr.NumNodes), int(hdr.NumLeaves)
	want := 8*nn*(nf+1) + 8*nl*nn + 8*nl + 4*nl
	if r.Len() != want {
		return nil, fmt.Errorf("%w: %d payload bytes, want %d", ErrTruncated, r.Len(), want)
	}

	m := &compiler.Matrices{
		NFeatures:   nf,
		Decision:    make([][]float64, nn),
		PathCost:    make([][]float64, nl),
		LeafOutputs: make([]int, nl),
		LeafNodes:   make([]int, nl),
	}
	var err error
	for i := range m.Decision {
		if m.Decision[i], err = readFloats(r, nf+1); err != nil {
			return nil, ErrTruncated
		}
	}
	for l := range m.PathCost {
		if m.PathCost[l], err = readFloats(r, nn); err != nil {
			return nil, ErrTruncated
		}
	}
	for l := range m.LeafOutputs {
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ErrTruncated
		}
		m.LeafOutputs[l] = int(v)
	}
	for l := range m.LeafNodes {
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ErrTruncated
		}
		m.LeafNodes[l] = int(v)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readFloats(r io.Reader, n int) ([]float64, error) {
	raw := make([]uint64, n)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, b := range raw {
		out[i] = math.Float64frombits(b)
	}
	return out, nil
}
