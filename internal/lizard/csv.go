package lizard

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

// WriteFunctions writes metrics as functions.csv.
func WriteFunctions(path string, metrics []model.FunctionMetric) error {
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{
			strconv.Itoa(m.NLOC),
			strconv.Itoa(m.CCN),
			strconv.Itoa(m.TokenCount),
			strconv.Itoa(m.ParameterCount),
			strconv.Itoa(m.Length),
			m.Location,
			m.File,
			m.FunctionName,
			m.Signature,
			strconv.Itoa(m.StartLine),
			strconv.Itoa(m.EndLine),
		})
	}
	return dataset.WriteCSV(path, Header, rows)
}

// ReadFunctions reads a functions.csv written by WriteFunctions or by the
// original dataset tooling (same header). Malformed rows are skipped.
func ReadFunctions(path string) ([]model.FunctionMetric, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	if len(header) < len(Header) {
		return nil, fmt.Errorf("%s: expected %d columns, got %d", path, len(Header), len(header))
	}

	var out []model.FunctionMetric
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read %s: %w", path, err)
		}
		if m, ok := parseRow(rec); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
