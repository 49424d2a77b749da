// Package bench compares encrypted predictions against plaintext ones over a
// labelled dataset.
package bench

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrEmptyDataset = errors.New("dataset has no rows")

// Sample is one labelled feature vector.
type Sample struct {
	Features []float64
	Label    int
}

// ReadCSV parses rows of features followed by an integer label. A first row
// that does not parse as numbers is treated as a header.
func ReadCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var samples []Sample
	width := -1
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: need at least one feature and a label", line)
		}
		s, err := parseRow(rec)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if width >= 0 && len(s.Features) != width {
			return nil, fmt.Errorf("line %d: %d features, previous rows had %d", line, len(s.Features), width)
		}
		width = len(s.Features)
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	return samples, nil
}

func parseRow(rec []string) (Sample, error) {
	s := Sample{Features: make([]float64, len(rec)-1)}
	for i, f := range rec[:len(rec)-1] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("feature %d: %w", i, err)
		}
		s.Features[i] = v
	}
	label := strings.TrimSpace(rec[len(rec)-1])
	l, err := strconv.Atoi(label)
	if err != nil {
		// sklearn exports labels as floats
		fl, ferr := strconv.ParseFloat(label, 64)
		if ferr != nil || fl != float64(int(fl)) {
			return Sample{}, fmt.Errorf("label %q: %w", label, err)
		}
		l = int(fl)
	}
	s.Label = l
	return s, nil
}

// ReadCSVFile opens path and calls ReadCSV.
func ReadCSVFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
