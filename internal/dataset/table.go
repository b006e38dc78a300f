// Package dataset loads persisted feature tables into the matrices consumed by
// the evaluation engine and the training step.
package dataset

import (
	"fmt"
	"math"
	"sort"

	"pd-voice/internal/common"
)

// Table is a feature matrix with its label vector and optional group vector.
// Row i of X, Y, Groups, Tasks and Filenames describe the same recording.
type Table struct {
	FeatureNames []string
	X            [][]float64
	Y            []int
	Groups       []string
	Tasks        []string
	Filenames    []string
}

// Rows returns the number of rows.
func (t *Table) Rows() int {
	return len(t.X)
}

// NumFeatures returns the number of feature columns.
func (t *Table) NumFeatures() int {
	return len(t.FeatureNames)
}

// HasGroups reports whether a group vector is attached.
func (t *Table) HasGroups() bool {
	return len(t.Groups) > 0
}

// Validate checks the shape invariants between the matrix and its vectors.
func (t *Table) Validate() error {
	if len(t.FeatureNames) == 0 {
		return fmt.Errorf("table has no feature columns")
	}

	seen := make(map[string]struct{}, len(t.FeatureNames))
	for _, n := range t.FeatureNames {
		if _, dup := seen[n]; dup {
			return fmt.Errorf("duplicate feature column %q", n)
		}
		seen[n] = struct{}{}
	}

	for i, row := range t.X {
		if len(row) != len(t.FeatureNames) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.FeatureNames))
		}
	}

	if len(t.Y) != len(t.X) {
		return fmt.Errorf("label vector length %d does not match %d rows", len(t.Y), len(t.X))
	}
	for i, y := range t.Y {
		if y != common.LabelHC && y != common.LabelPD {
			return fmt.Errorf("row %d has label %d outside {%d,%d}", i, y, common.LabelHC, common.LabelPD)
		}
	}

	if len(t.Groups) != 0 && len(t.Groups) != len(t.X) {
		return fmt.Errorf("group vector length %d does not match %d rows", len(t.Groups), len(t.X))
	}
	if len(t.Tasks) != 0 && len(t.Tasks) != len(t.X) {
		return fmt.Errorf("task vector length %d does not match %d rows", len(t.Tasks), len(t.X))
	}
	if len(t.Filenames) != 0 && len(t.Filenames) != len(t.X) {
		return fmt.Errorf("filename vector length %d does not match %d rows", len(t.Filenames), len(t.X))
	}

	return nil
}

// ClassCounts returns the number of rows per label.
func (t *Table) ClassCounts() map[int]int {
	counts := map[int]int{common.LabelHC: 0, common.LabelPD: 0}
	for _, y := range t.Y {
		counts[y]++
	}
	return counts
}

// Subjects returns the number of distinct groups, or 0 without groups.
func (t *Table) Subjects() int {
	seen := make(map[string]struct{})
	for _, g := range t.Groups {
		seen[g] = struct{}{}
	}
	return len(seen)
}

// Subset returns a deep copy restricted to the given rows, in the given order.
func (t *Table) Subset(rows []int) *Table {
	out := &Table{
		FeatureNames: append([]string(nil), t.FeatureNames...),
		X:            make([][]float64, len(rows)),
		Y:            make([]int, len(rows)),
	}
	if t.HasGroups() {
		out.Groups = make([]string, len(rows))
	}
	if len(t.Tasks) > 0 {
		out.Tasks = make([]string, len(rows))
	}
	if len(t.Filenames) > 0 {
		out.Filenames = make([]string, len(rows))
	}

	for i, r := range rows {
		out.X[i] = append([]float64(nil), t.X[r]...)
		out.Y[i] = t.Y[r]
		if out.Groups != nil {
			out.Groups[i] = t.Groups[r]
		}
		if out.Tasks != nil {
			out.Tasks[i] = t.Tasks[r]
		}
		if out.Filenames != nil {
			out.Filenames[i] = t.Filenames[r]
		}
	}
	return out
}

// DropIncomplete returns the rows without any non-finite value, plus an
// identifier (filename, or row index) for every dropped row.
func (t *Table) DropIncomplete() (*Table, []string) {
	keep := make([]int, 0, len(t.X))
	var dropped []string

	for i, row := range t.X {
		complete := true
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				complete = false
				break
			}
		}
		if complete {
			keep = append(keep, i)
			continue
		}
		if len(t.Filenames) > 0 {
			dropped = append(dropped, t.Filenames[i])
		} else {
			dropped = append(dropped, fmt.Sprintf("row %d", i))
		}
	}

	return t.Subset(keep), dropped
}

// MissingByFeature counts non-finite values per feature, omitting complete columns.
func (t *Table) MissingByFeature() map[string]int {
	out := make(map[string]int)
	for _, row := range t.X {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				out[t.FeatureNames[j]]++
			}
		}
	}
	return out
}

// GroupLabels returns each subject with its label, sorted by subject.
// A subject whose rows disagree on the label is an error.
func (t *Table) GroupLabels() ([]string, []int, error) {
	labels := make(map[string]int)
	for i, g := range t.Groups {
		if prev, ok := labels[g]; ok && prev != t.Y[i] {
			return nil, nil, fmt.Errorf("subject %s has conflicting labels %d and %d", g, prev, t.Y[i])
		}
		labels[g] = t.Y[i]
	}

	subjects := make([]string, 0, len(labels))
	for g := range labels {
		subjects = append(subjects, g)
	}
	sort.Strings(subjects)

	ys := make([]int, len(subjects))
	for i, g := range subjects {
		ys[i] = labels[g]
	}
	return subjects, ys, nil
}
