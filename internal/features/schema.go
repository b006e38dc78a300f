// Package features defines the ordered feature schemas shared by extraction,
// training and inference.
//
// A Schema is the single source of truth for feature order. Records keyed by
// name are only ever used for lookup; every numeric vector handed to a model is
// built by walking a schema (or an artifact's recorded feature names) in order.
package features

import (
	"fmt"
	"sort"

	"pd-voice/internal/common"
)

// Record holds extracted feature values keyed by feature name.
// Iteration order of a Record carries no meaning.
type Record map[string]float64

// Vector is a fixed-order numeric feature vector.
type Vector []float64

// Schema is a named, versioned, ordered list of feature identifiers.
type Schema struct {
	Name    string
	Version string
	names   []string
	index   map[string]int
}

// NewSchema builds a schema from an ordered list of names. Names must be unique and non-empty.
func NewSchema(name, version string, names []string) (*Schema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("schema %s: no feature names", name)
	}

	s := &Schema{
		Name:    name,
		Version: version,
		names:   make([]string, len(names)),
		index:   make(map[string]int, len(names)),
	}
	copy(s.names, names)

	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("schema %s: empty feature name at position %d", name, i)
		}
		if prev, dup := s.index[n]; dup {
			return nil, fmt.Errorf("schema %s: duplicate feature %q at positions %d and %d", name, n, prev, i)
		}
		s.index[n] = i
	}

	return s, nil
}

// Names returns a copy of the ordered feature names.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of features.
func (s *Schema) Len() int {
	return len(s.names)
}

// Index returns the position of a feature.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Assemble builds the schema-ordered vector from a record. Every schema
// feature must be present; extra record keys are reported as an error too.
func (s *Schema) Assemble(rec Record) (Vector, error) {
	missing, extra := s.Diff(rec)
	if len(missing) > 0 || len(extra) > 0 {
		return nil, fmt.Errorf("schema %s: missing %v, extra %v", s.Name, missing, extra)
	}

	v := make(Vector, len(s.names))
	for i, n := range s.names {
		v[i] = rec[n]
	}
	return v, nil
}

// Diff reports schema features absent from rec and rec keys unknown to the schema, both sorted.
func (s *Schema) Diff(rec Record) (missing, extra []string) {
	for _, n := range s.names {
		if _, ok := rec[n]; !ok {
			missing = append(missing, n)
		}
	}
	for n := range rec {
		if _, ok := s.index[n]; !ok {
			extra = append(extra, n)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// Record converts a schema-ordered vector back into a keyed record.
func (s *Schema) Record(v Vector) (Record, error) {
	if len(v) != len(s.names) {
		return nil, fmt.Errorf("schema %s: vector has %d values, want %d", s.Name, len(v), len(s.names))
	}
	rec := make(Record, len(v))
	for i, n := range s.names {
		rec[n] = v[i]
	}
	return rec, nil
}

// ProsodicNames returns the 21 prosodic features in extraction order.
func ProsodicNames() []string {
	return []string{
		"f0_mean", "f0_std", "f0_min", "f0_max",
		"jitter_local", "jitter_rap", "jitter_ppq5",
		"shimmer_local", "shimmer_apq3", "shimmer_apq11",
		"hnr_mean", "autocorr_harmonicity",
		"intensity_mean", "intensity_min", "intensity_max",
		"f1_mean", "f2_mean", "f3_mean",
		"f1_std", "f2_std", "f3_std",
	}
}

const mfccCoefficients = 13

func spectralBaselineNames() []string {
	names := make([]string, 0, 2*mfccCoefficients)
	for i := 0; i < mfccCoefficients; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d_mean", i))
	}
	for i := 0; i < mfccCoefficients; i++ {
		names = append(names, fmt.Sprintf("delta_mfcc_%d_mean", i))
	}
	return names
}

func spectralExtensionNames() []string {
	names := make([]string, 0, 2*mfccCoefficients+5)
	for i := 0; i < mfccCoefficients; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d_std", i))
	}
	for i := 0; i < mfccCoefficients; i++ {
		names = append(names, fmt.Sprintf("delta2_mfcc_%d_mean", i))
	}
	return append(names,
		"spectral_centroid_mean",
		"spectral_bandwidth_mean",
		"spectral_rolloff_mean",
		"spectral_flatness_mean",
		"zcr_mean",
	)
}

// Baseline returns the 47-feature schema: prosodic, MFCC means and delta-MFCC means.
func Baseline() *Schema {
	names := append(ProsodicNames(), spectralBaselineNames()...)
	s, err := NewSchema(common.FeatureSetBaseline, "1", names)
	if err != nil {
		panic(err)
	}
	return s
}

// Extended returns the 78-feature schema: baseline followed by MFCC stds,
// delta-delta MFCC means and spectral shape.
func Extended() *Schema {
	names := append(ProsodicNames(), spectralBaselineNames()...)
	names = append(names, spectralExtensionNames()...)
	s, err := NewSchema(common.FeatureSetExtended, "1", names)
	if err != nil {
		panic(err)
	}
	return s
}

// ForSet returns the schema for a feature set name.
func ForSet(set string) (*Schema, error) {
	switch set {
	case common.FeatureSetBaseline:
		return Baseline(), nil
	case common.FeatureSetExtended:
		return Extended(), nil
	default:
		return nil, fmt.Errorf("unknown feature set %q (want %s or %s)", set, common.FeatureSetBaseline, common.FeatureSetExtended)
	}
}
