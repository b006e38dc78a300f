package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"pd-voice/internal/common"

	"github.com/rs/zerolog/log"
)

// Dataset B non-feature columns.
const (
	pdSpeechID     = "id"
	pdSpeechGender = "gender"
	pdSpeechClass  = "class"
)

// LoadFeatureTable reads an extracted feature table. Columns subject_id,
// label, task and filename are metadata; every other column is a numeric
// feature kept in file order. Empty or "nan" cells load as NaN.
func LoadFeatureTable(path string) (*Table, error) {
	header, records, err := readCSV(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("feature table not found at %s; run 'pvc-extract --task <task>' first: %w", path, err)
		}
		return nil, err
	}

	indices := make(map[string]int, len(header))
	for i, col := range header {
		indices[col] = i
	}
	for _, col := range common.MetadataColumns {
		if _, ok := indices[col]; !ok {
			return nil, fmt.Errorf("%s: missing metadata column %q", path, col)
		}
	}

	featureCols := featureColumns(header, common.MetadataColumns)
	t := &Table{
		FeatureNames: make([]string, len(featureCols)),
		X:            make([][]float64, 0, len(records)),
		Y:            make([]int, 0, len(records)),
		Groups:       make([]string, 0, len(records)),
		Tasks:        make([]string, 0, len(records)),
		Filenames:    make([]string, 0, len(records)),
	}
	for i, c := range featureCols {
		t.FeatureNames[i] = header[c]
	}

	for line, record := range records {
		label, err := parseLabel(record[indices[common.ColLabel]])
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, line+2, err)
		}
		row, err := parseRow(record, featureCols)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, line+2, err)
		}

		t.X = append(t.X, row)
		t.Y = append(t.Y, label)
		t.Groups = append(t.Groups, record[indices[common.ColSubjectID]])
		t.Tasks = append(t.Tasks, record[indices[common.ColTask]])
		t.Filenames = append(t.Filenames, record[indices[common.ColFilename]])
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	counts := t.ClassCounts()
	log.Info().
		Str("file", path).
		Int("rows", t.Rows()).
		Int("features", t.NumFeatures()).
		Int("subjects", t.Subjects()).
		Int("hc", counts[common.LabelHC]).
		Int("pd", counts[common.LabelPD]).
		Msg("Feature table loaded")

	return t, nil
}

// LoadPDSpeech reads the pre-extracted Dataset B table: one row per subject,
// label in "class", columns id and gender dropped, no group vector.
func LoadPDSpeech(path string) (*Table, error) {
	header, records, err := readCSV(path)
	if err != nil {
		return nil, err
	}

	classIdx := -1
	for i, col := range header {
		if col == pdSpeechClass {
			classIdx = i
		}
	}
	if classIdx < 0 {
		return nil, fmt.Errorf("%s: missing %q column", path, pdSpeechClass)
	}

	featureCols := featureColumns(header, []string{pdSpeechID, pdSpeechGender, pdSpeechClass})
	t := &Table{
		FeatureNames: make([]string, len(featureCols)),
		X:            make([][]float64, 0, len(records)),
		Y:            make([]int, 0, len(records)),
	}
	for i, c := range featureCols {
		t.FeatureNames[i] = header[c]
	}

	for line, record := range records {
		label, err := parseLabel(record[classIdx])
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, line+2, err)
		}
		row, err := parseRow(record, featureCols)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, line+2, err)
		}
		t.X = append(t.X, row)
		t.Y = append(t.Y, label)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info().
		Str("file", path).
		Int("rows", t.Rows()).
		Int("features", t.NumFeatures()).
		Msg("PD speech table loaded")

	return t, nil
}

func readCSV(path string) ([]string, [][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read CSV row %d: %w", len(records)+2, err)
		}
		records = append(records, record)
	}

	return header, records, nil
}

func featureColumns(header, exclude []string) []int {
	skip := make(map[string]struct{}, len(exclude))
	for _, c := range exclude {
		skip[c] = struct{}{}
	}

	cols := make([]int, 0, len(header))
	for i, col := range header {
		if _, ok := skip[col]; !ok {
			cols = append(cols, i)
		}
	}
	return cols
}

func parseRow(record []string, cols []int) ([]float64, error) {
	row := make([]float64, len(cols))
	for j, c := range cols {
		v, err := parseValue(record[c])
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", c, err)
		}
		row[j] = v
	}
	return row, nil
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseLabel(s string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid label %q: %w", s, err)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid label %q: not an integer", s)
	}
	return int(f), nil
}
