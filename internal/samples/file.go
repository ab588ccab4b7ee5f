package samples

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultFile is the bulk sample file read from the project directory when no
// in-memory matrix is supplied.
const DefaultFile = "samples.txt"

// ReadFile loads a bulk sample file. See Read for the shape rules.
func ReadFile(path string, dimension int) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sample file: %v", ErrInvalid, err)
	}
	defer f.Close()

	m, err := Read(f, dimension)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// Read parses delimited numeric text into a Matrix. Blank lines and lines
// starting with '#' are skipped.
//
// A file with several rows is read row by row; every row must have the same
// width, and that width must equal dimension when dimension > 0. A single-row
// file holding k values is ambiguous, so dimension decides: 1 gives k scalar
// samples, 0 or k gives one k-dimensional sample, anything else is rejected.
func Read(r io.Reader, dimension int) (Matrix, error) {
	if dimension < 0 {
		return nil, fmt.Errorf("%w: negative dimension %d", ErrInvalid, dimension)
	}

	var rows Matrix
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		values, err := ParseValues(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, values)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrInvalid, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalid)
	}

	if len(rows) == 1 {
		m, err := reshapeSingleRow(rows[0], dimension)
		if err != nil {
			return nil, err
		}
		rows = m
	}

	if err := rows.Validate(); err != nil {
		return nil, err
	}
	if dimension > 0 && rows.Dimension() != dimension {
		return nil, fmt.Errorf("%w: rows have %d values, declared dimension is %d", ErrInvalid, rows.Dimension(), dimension)
	}
	return rows, nil
}

func reshapeSingleRow(values []float64, dimension int) (Matrix, error) {
	switch {
	case dimension == 1:
		m := make(Matrix, len(values))
		for i, v := range values {
			m[i] = []float64{v}
		}
		return m, nil
	case dimension == 0 || dimension == len(values):
		return Matrix{values}, nil
	default:
		return nil, fmt.Errorf("%w: single row of %d values cannot be shaped into samples of dimension %d; write one sample per line",
			ErrInvalid, len(values), dimension)
	}
}
