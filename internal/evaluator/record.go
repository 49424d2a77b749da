package evaluator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Record is the JSON document returned to the client, hex-encoding each
// serialized ciphertext.
type Record struct {
	NodeScores []string `json:"node_scores"`
	PathCosts  []string `json:"path_costs"`
}

// Record converts r to its wire form.
func (r *Result) Record() Record {
	rec := Record{
		NodeScores: make([]string, len(r.NodeScores)),
		PathCosts:  make([]string, len(r.PathCosts)),
	}
	for i, b := range r.NodeScores {
		rec.NodeScores[i] = hex.EncodeToString(b)
	}
	for i, b := range r.PathCosts {
		rec.PathCosts[i] = hex.EncodeToString(b)
	}
	return rec
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Record())
}

// ParseRecord decodes the wire form back into ciphertext bytes.
func ParseRecord(data []byte) (*Result, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	res := &Result{
		NodeScores: make([][]byte, len(rec.NodeScores)),
		PathCosts:  make([][]byte, len(rec.PathCosts)),
	}
	var err error
	for i, s := range rec.NodeScores {
		if res.NodeScores[i], err = hex.DecodeString(s); err != nil {
			return nil, fmt.Errorf("decode node score %d: %w", i, err)
		}
	}
	for i, s := range rec.PathCosts {
		if res.PathCosts[i], err = hex.DecodeString(s); err != nil {
			return nil, fmt.Errorf("decode path cost %d: %w", i, err)
		}
	}
	return res, nil
}
