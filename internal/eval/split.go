package eval

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Fold holds the row indices of one train/test partition, both ascending.
type Fold struct {
	Train []int
	Test  []int
}

// Splitter partitions rows into cross-validation folds.
type Splitter interface {
	Split(y []int, groups []string) ([]Fold, error)
}

// NewSplitter picks the grouped splitter when useGroups is set.
func NewSplitter(nFolds int, useGroups bool, seed int64) Splitter {
	if useGroups {
		return &StratifiedGroupKFold{NSplits: nFolds, Seed: seed}
	}
	return &StratifiedKFold{NSplits: nFolds, Seed: seed}
}

// StratifiedKFold assigns rows to folds class by class so each fold keeps
// the global class ratio and fold sizes differ by at most one row.
type StratifiedKFold struct {
	NSplits int
	Seed    int64
}

func (s *StratifiedKFold) Split(y []int, _ []string) ([]Fold, error) {
	k := s.NSplits
	if k < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", ErrConfiguration, k)
	}
	if len(y) < k {
		return nil, fmt.Errorf("%w: cannot split %d rows into %d folds", ErrConfiguration, len(y), k)
	}

	sorted := append([]int(nil), y...)
	sort.Ints(sorted)

	// allocation[f][c] = rows of class c destined for fold f
	allocation := make([][2]int, k)
	for f := 0; f < k; f++ {
		for i := f; i < len(sorted); i += k {
			allocation[f][sorted[i]]++
		}
	}

	rng := rand.New(rand.NewSource(s.Seed))
	assign := make([]int, len(y))
	for c := 0; c < 2; c++ {
		var slots []int
		for f := 0; f < k; f++ {
			for n := 0; n < allocation[f][c]; n++ {
				slots = append(slots, f)
			}
		}
		rng.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })

		next := 0
		for i, label := range y {
			if label == c {
				assign[i] = slots[next]
				next++
			}
		}
	}

	return foldsFromAssignment(assign, k)
}

// StratifiedGroupKFold keeps every group inside a single fold while
// steering each fold's class proportions toward the global ones. Groups are
// shuffled with the seed, ordered by the spread of their class counts and
// greedily placed into the fold that minimises the mean per-class standard
// deviation of fold proportions; ties go to the smaller fold.
type StratifiedGroupKFold struct {
	NSplits int
	Seed    int64
}

func (s *StratifiedGroupKFold) Split(y []int, groups []string) ([]Fold, error) {
	k := s.NSplits
	if k < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", ErrConfiguration, k)
	}
	if len(groups) != len(y) {
		return nil, fmt.Errorf("%w: %d groups for %d labels", ErrConfiguration, len(groups), len(y))
	}

	names := uniqueSorted(groups)
	if len(names) < k {
		return nil, fmt.Errorf("%w: cannot split %d groups into %d folds", ErrConfiguration, len(names), k)
	}
	gindex := make(map[string]int, len(names))
	for i, g := range names {
		gindex[g] = i
	}

	var classTotal [2]float64
	perGroup := make([][2]float64, len(names))
	for i, label := range y {
		perGroup[gindex[groups[i]]][label]++
		classTotal[label]++
	}

	rng := rand.New(rand.NewSource(s.Seed))
	order := rng.Perm(len(names))
	spread := func(g int) float64 {
		return stat.PopStdDev(perGroup[g][:], nil)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return spread(order[a]) > spread(order[b])
	})

	foldCounts := make([][2]float64, k)
	groupFold := make([]int, len(names))
	for _, g := range order {
		best := bestFold(foldCounts, classTotal, perGroup[g])
		foldCounts[best][0] += perGroup[g][0]
		foldCounts[best][1] += perGroup[g][1]
		groupFold[g] = best
	}

	assign := make([]int, len(y))
	for i, g := range groups {
		assign[i] = groupFold[gindex[g]]
	}
	return foldsFromAssignment(assign, k)
}

func bestFold(foldCounts [][2]float64, classTotal [2]float64, add [2]float64) int {
	best := -1
	minEval := math.Inf(1)
	minSamples := math.Inf(1)

	props := make([]float64, len(foldCounts))
	for f := range foldCounts {
		var score float64
		for c := 0; c < 2; c++ {
			for g := range foldCounts {
				v := foldCounts[g][c]
				if g == f {
					v += add[c]
				}
				if classTotal[c] > 0 {
					props[g] = v / classTotal[c]
				} else {
					props[g] = 0
				}
			}
			score += stat.PopStdDev(props, nil)
		}
		score /= 2

		samples := foldCounts[f][0] + foldCounts[f][1]
		if score < minEval || (isClose(score, minEval) && samples < minSamples) {
			best = f
			minEval = score
			minSamples = samples
		}
	}
	return best
}

func isClose(a, b float64) bool {
	if math.IsInf(b, 0) {
		return a == b
	}
	return math.Abs(a-b) <= 1e-8+1e-5*math.Abs(b)
}

func foldsFromAssignment(assign []int, k int) ([]Fold, error) {
	folds := make([]Fold, k)
	for i, f := range assign {
		folds[f].Test = append(folds[f].Test, i)
	}
	for f := range folds {
		if len(folds[f].Test) == 0 {
			return nil, fmt.Errorf("%w: fold %d has no test rows", ErrConfiguration, f+1)
		}
		for i, g := range assign {
			if g != f {
				folds[f].Train = append(folds[f].Train, i)
			}
		}
	}
	return folds, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
