package eval

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ResultSummary aggregates one metric of one model across folds.
type ResultSummary struct {
	Model   string
	Metric  string
	Mean    float64
	Std     float64
	MeanStd string
}

// ImportanceSummary aggregates one feature of one (model, method) across folds.
// Rank is the "min" rank over descending Mean: tied means share a rank and
// the next distinct mean skips accordingly.
type ImportanceSummary struct {
	Model   string
	Method  string
	Feature string
	Mean    float64
	Std     float64
	Rank    int
}

// SummarizeResults groups rows by (model, metric), sorted by model then
// metric, with NaN-skipping mean and sample standard deviation.
func SummarizeResults(rows []ResultRow) []ResultSummary {
	type key struct{ model, metric string }
	values := make(map[key][]float64)
	for _, r := range rows {
		k := key{r.Model, r.Metric}
		values[k] = append(values[k], r.Value)
	}

	out := make([]ResultSummary, 0, len(values))
	for k, v := range values {
		mean, std := nanMeanStd(v)
		out = append(out, ResultSummary{
			Model:   k.model,
			Metric:  k.metric,
			Mean:    mean,
			Std:     std,
			MeanStd: fmt.Sprintf("%.3f ± %.3f", mean, std),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// SummarizeImportance groups records by (model, method, feature) and ranks
// features within each (model, method). Rows are sorted by model, method,
// rank and feature. A feature whose mean is NaN ranks after every finite mean.
func SummarizeImportance(records []ImportanceRecord) []ImportanceSummary {
	type key struct{ model, method, feature string }
	values := make(map[key][]float64)
	for _, r := range records {
		k := key{r.Model, r.Method, r.Feature}
		values[k] = append(values[k], r.Importance)
	}

	out := make([]ImportanceSummary, 0, len(values))
	for k, v := range values {
		mean, std := nanMeanStd(v)
		out = append(out, ImportanceSummary{
			Model:   k.model,
			Method:  k.method,
			Feature: k.feature,
			Mean:    mean,
			Std:     std,
		})
	}

	type group struct{ model, method string }
	byGroup := make(map[group][]int)
	for i, s := range out {
		g := group{s.Model, s.Method}
		byGroup[g] = append(byGroup[g], i)
	}
	for _, idx := range byGroup {
		means := make([]float64, len(idx))
		for i, j := range idx {
			means[i] = out[j].Mean
		}
		for i, r := range minRankDescending(means) {
			out[idx[i]].Rank = r
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Feature < b.Feature
	})
	return out
}

// minRankDescending gives each value 1 + the number of values strictly
// greater than it. NaN values share the rank after the last finite value.
func minRankDescending(values []float64) []int {
	ranks := make([]int, len(values))
	var finite int
	for _, v := range values {
		if !math.IsNaN(v) {
			finite++
		}
	}
	for i, v := range values {
		if math.IsNaN(v) {
			ranks[i] = finite + 1
			continue
		}
		greater := 0
		for _, w := range values {
			if !math.IsNaN(w) && w > v {
				greater++
			}
		}
		ranks[i] = greater + 1
	}
	return ranks
}

// TopFeatures returns the rows of one (model, method) whose rank is at most n,
// most important first.
//
// Ties straddling the boundary are all kept, so the result may hold more
// than n rows: with means 0.3, 0.2, 0.2 and n = 2 all three rows share
// rank <= 2 and are returned.
func TopFeatures(summary []ImportanceSummary, model, method string, n int) []ImportanceSummary {
	var out []ImportanceSummary
	for _, s := range summary {
		if s.Model == model && s.Method == method && s.Rank <= n {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// RankingComparison lines up one feature's mean importance and rank across models.
type RankingComparison struct {
	Feature string
	Means   map[string]float64
	Ranks   map[string]int
}

// CompareRankings builds a feature-by-model table for one method, ordered by
// the mean rank across the given models (missing ranks count as last).
func CompareRankings(summary []ImportanceSummary, method string, models []string) []RankingComparison {
	wanted := make(map[string]bool, len(models))
	for _, m := range models {
		wanted[m] = true
	}

	rows := make(map[string]*RankingComparison)
	worst := 0
	for _, s := range summary {
		if s.Method != method || !wanted[s.Model] {
			continue
		}
		r, ok := rows[s.Feature]
		if !ok {
			r = &RankingComparison{Feature: s.Feature, Means: map[string]float64{}, Ranks: map[string]int{}}
			rows[s.Feature] = r
		}
		r.Means[s.Model] = s.Mean
		r.Ranks[s.Model] = s.Rank
		if s.Rank > worst {
			worst = s.Rank
		}
	}

	avg := func(r *RankingComparison) float64 {
		var sum float64
		for _, m := range models {
			if rank, ok := r.Ranks[m]; ok {
				sum += float64(rank)
			} else {
				sum += float64(worst + 1)
			}
		}
		return sum / float64(len(models))
	}

	out := make([]RankingComparison, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := avg(&out[i]), avg(&out[j])
		if ai != aj {
			return ai < aj
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// nanMeanStd returns the mean and sample standard deviation of the non-NaN
// values. The std is NaN with fewer than two values.
func nanMeanStd(values []float64) (float64, float64) {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	switch len(finite) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return finite[0], math.NaN()
	}
	return stat.MeanStdDev(finite, nil)
}
