package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const leafNode = -1

// Tree is a fitted CART classification tree stored as flat node arrays.
// Left[k] == -1 marks a leaf; Value[k] is the weighted class-1 fraction.
type Tree struct {
	Feature   []int
	Threshold []float64
	Left      []int
	Right     []int
	Value     []float64
	Impurity  []float64
	Weight    []float64
}

// RandomForest is a bagged ensemble of Gini trees with sqrt(d) candidate
// features per split and no depth limit.
type RandomForest struct {
	NEstimators         int
	MinSamplesSplit     int
	Seed                int64
	ClassWeightBalanced bool

	NFeatures int
	Trees     []Tree
}

// NewRandomForest returns an unfitted forest of 100 trees.
func NewRandomForest(opts Options) *RandomForest {
	return &RandomForest{
		NEstimators:         100,
		MinSamplesSplit:     2,
		Seed:                opts.Seed,
		ClassWeightBalanced: opts.ClassWeightBalanced,
	}
}

func (f *RandomForest) Clone() Classifier {
	return &RandomForest{
		NEstimators:         f.NEstimators,
		MinSamplesSplit:     f.MinSamplesSplit,
		Seed:                f.Seed,
		ClassWeightBalanced: f.ClassWeightBalanced,
	}
}

func (f *RandomForest) Fit(X [][]float64, y []int, sampleWeight []float64) error {
	if err := checkXY(X, y); err != nil {
		return fmt.Errorf("random forest: %w", err)
	}

	n, d := len(X), len(X[0])
	cw := classSampleWeights(y, f.ClassWeightBalanced)
	if sampleWeight != nil {
		for i := range cw {
			cw[i] *= sampleWeight[i]
		}
	}

	maxFeatures := int(math.Sqrt(float64(d)))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	rng := rand.New(rand.NewSource(f.Seed))
	f.NFeatures = d
	f.Trees = make([]Tree, f.NEstimators)

	for t := range f.Trees {
		treeRng := rand.New(rand.NewSource(rng.Int63()))

		counts := make([]float64, n)
		for k := 0; k < n; k++ {
			counts[treeRng.Intn(n)]++
		}
		w := make([]float64, n)
		idx := make([]int, 0, n)
		for i := range counts {
			w[i] = counts[i] * cw[i]
			if w[i] > 0 {
				idx = append(idx, i)
			}
		}

		b := &treeBuilder{
			X:           X,
			y:           y,
			w:           w,
			rng:         treeRng,
			maxFeatures: maxFeatures,
			minSplit:    f.MinSamplesSplit,
		}
		b.build(idx)
		f.Trees[t] = b.tree
	}
	return nil
}

func (f *RandomForest) PredictProba(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != f.NFeatures {
			return nil, fmt.Errorf("random forest: row %d has %d values, want %d", i, len(row), f.NFeatures)
		}
		var s float64
		for t := range f.Trees {
			s += f.Trees[t].leafValue(row)
		}
		out[i] = s / float64(len(f.Trees))
	}
	return out, nil
}

// Predict returns the class with the larger averaged probability; ties go to class 0.
func (f *RandomForest) Predict(X [][]float64) ([]int, error) {
	p, err := f.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(p))
	for i, v := range p {
		if v > 1-v {
			out[i] = 1
		}
	}
	return out, nil
}

// FeatureImportances returns the mean decrease in Gini impurity, normalised
// per tree and across the forest so the values sum to 1.
func (f *RandomForest) FeatureImportances() ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}

	total := make([]float64, f.NFeatures)
	var used int
	for t := range f.Trees {
		tree := &f.Trees[t]
		if len(tree.Left) <= 1 {
			continue
		}
		imp := tree.importances(f.NFeatures)
		floats.Add(total, imp)
		used++
	}
	if used == 0 {
		return total, nil
	}

	floats.Scale(1/float64(used), total)
	if s := floats.Sum(total); s > 0 {
		floats.Scale(1/s, total)
	}
	return total, nil
}

func (t *Tree) leafValue(row []float64) float64 {
	k := 0
	for t.Left[k] != leafNode {
		if row[t.Feature[k]] <= t.Threshold[k] {
			k = t.Left[k]
		} else {
			k = t.Right[k]
		}
	}
	return t.Value[k]
}

func (t *Tree) importances(d int) []float64 {
	imp := make([]float64, d)
	for k := range t.Left {
		if t.Left[k] == leafNode {
			continue
		}
		l, r := t.Left[k], t.Right[k]
		imp[t.Feature[k]] += t.Weight[k]*t.Impurity[k] -
			t.Weight[l]*t.Impurity[l] -
			t.Weight[r]*t.Impurity[r]
	}

	floats.Scale(1/t.Weight[0], imp)
	if s := floats.Sum(imp); s > 0 {
		floats.Scale(1/s, imp)
	}
	return imp
}

type treeBuilder struct {
	X           [][]float64
	y           []int
	w           []float64
	rng         *rand.Rand
	maxFeatures int
	minSplit    int
	tree        Tree
}

func (b *treeBuilder) addNode(w0, w1 float64) int {
	tot := w0 + w1
	value := 0.0
	if tot > 0 {
		value = w1 / tot
	}
	b.tree.Feature = append(b.tree.Feature, -1)
	b.tree.Threshold = append(b.tree.Threshold, 0)
	b.tree.Left = append(b.tree.Left, leafNode)
	b.tree.Right = append(b.tree.Right, leafNode)
	b.tree.Value = append(b.tree.Value, value)
	b.tree.Impurity = append(b.tree.Impurity, gini(w0, w1))
	b.tree.Weight = append(b.tree.Weight, tot)
	return len(b.tree.Left) - 1
}

func (b *treeBuilder) build(idx []int) int {
	var w0, w1 float64
	for _, i := range idx {
		if b.y[i] == 1 {
			w1 += b.w[i]
		} else {
			w0 += b.w[i]
		}
	}
	node := b.addNode(w0, w1)

	if len(idx) < b.minSplit || b.tree.Impurity[node] <= 1e-7 {
		return node
	}

	feature, threshold, ok := b.bestSplit(idx, w0, w1)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.tree.Feature[node] = feature
	b.tree.Threshold[node] = threshold
	l := b.build(left)
	r := b.build(right)
	b.tree.Left[node] = l
	b.tree.Right[node] = r
	return node
}

// bestSplit scans features in random order until maxFeatures non-constant
// ones have been evaluated, and returns the split with the lowest weighted
// child impurity.
func (b *treeBuilder) bestSplit(idx []int, w0, w1 float64) (int, float64, bool) {
	d := len(b.X[0])
	order := b.rng.Perm(d)

	bestScore := math.Inf(1)
	bestFeature, bestThreshold := -1, 0.0
	visited := 0

	sorted := make([]int, len(idx))
	for _, feat := range order {
		if visited >= b.maxFeatures {
			break
		}

		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool {
			return b.X[sorted[a]][feat] < b.X[sorted[c]][feat]
		})
		lo, hi := b.X[sorted[0]][feat], b.X[sorted[len(sorted)-1]][feat]
		if hi <= lo {
			continue
		}
		visited++

		var l0, l1 float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			if b.y[i] == 1 {
				l1 += b.w[i]
			} else {
				l0 += b.w[i]
			}

			v, next := b.X[i][feat], b.X[sorted[k+1]][feat]
			if next <= v {
				continue
			}

			r0, r1 := w0-l0, w1-l1
			score := (l0+l1)*gini(l0, l1) + (r0+r1)*gini(r0, r1)
			if score < bestScore {
				bestScore = score
				bestFeature = feat
				bestThreshold = v + (next-v)/2
				if bestThreshold >= next {
					bestThreshold = v
				}
			}
		}
	}

	if bestFeature < 0 {
		return 0, 0, false
	}
	return bestFeature, bestThreshold, true
}

func gini(w0, w1 float64) float64 {
	tot := w0 + w1
	if tot <= 0 {
		return 0
	}
	p0, p1 := w0/tot, w1/tot
	return 1 - p0*p0 - p1*p1
}
