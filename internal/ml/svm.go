package ml

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

const (
	smoTau      = 1e-12
	smoEps      = 1e-3
	smoMaxIter  = 10_000_000
	plattFolds  = 5
	plattMaxIt  = 100
	plattMinStp = 1e-10
)

// SVM is a C-support vector classifier with an RBF kernel. Class 1 is the
// positive side of the decision function. Probabilities come from a Platt
// sigmoid fitted on internal cross-validated decision values.
type SVM struct {
	C                   float64
	Seed                int64
	ClassWeightBalanced bool
	// Probability enables the internal Platt calibration.
	Probability bool

	Gamma          float64
	SupportVectors [][]float64
	DualCoef       []float64
	Rho            float64
	ProbA          float64
	ProbB          float64
	Fitted         bool
}

// NewSVM returns an unfitted RBF SVM with C=1, gamma "scale" and probability estimates.
func NewSVM(opts Options) *SVM {
	return &SVM{
		C:                   1.0,
		Seed:                opts.Seed,
		ClassWeightBalanced: opts.ClassWeightBalanced,
		Probability:         true,
	}
}

func (m *SVM) Clone() Classifier {
	return &SVM{
		C:                   m.C,
		Seed:                m.Seed,
		ClassWeightBalanced: m.ClassWeightBalanced,
		Probability:         m.Probability,
	}
}

func (m *SVM) Fit(X [][]float64, y []int, sampleWeight []float64) error {
	if err := checkXY(X, y); err != nil {
		return fmt.Errorf("svm: %w", err)
	}
	if !hasBothClasses(y) {
		return fmt.Errorf("svm: training labels contain a single class")
	}

	m.Gamma = scaleGamma(X)

	cw := classSampleWeights(y, m.ClassWeightBalanced)
	cs := make([]float64, len(y))
	for i := range cs {
		cs[i] = m.C * cw[i]
		if sampleWeight != nil {
			cs[i] *= sampleWeight[i]
		}
	}

	sol := solveSMO(X, y, cs, m.Gamma)
	m.SupportVectors = m.SupportVectors[:0]
	m.DualCoef = m.DualCoef[:0]
	for i, a := range sol.alpha {
		if a > 0 {
			m.SupportVectors = append(m.SupportVectors, append([]float64(nil), X[i]...))
			m.DualCoef = append(m.DualCoef, a*sign(y[i]))
		}
	}
	m.Rho = sol.rho
	m.Fitted = true

	if m.Probability {
		dec := m.crossValidatedDecisions(X, y, cs)
		m.ProbA, m.ProbB = sigmoidTrain(dec, y)
	}

	log.Debug().
		Int("support_vectors", len(m.SupportVectors)).
		Int("iterations", sol.iter).
		Float64("gamma", m.Gamma).
		Msg("SVM fitted")
	return nil
}

// DecisionFunction returns sum_i coef_i*K(sv_i, x) - rho for every row.
func (m *SVM) DecisionFunction(X [][]float64) ([]float64, error) {
	if !m.Fitted {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(m.SupportVectors) > 0 && len(row) != len(m.SupportVectors[0]) {
			return nil, fmt.Errorf("svm: row %d has %d values, want %d", i, len(row), len(m.SupportVectors[0]))
		}
		var s float64
		for k, sv := range m.SupportVectors {
			s += m.DualCoef[k] * rbf(sv, row, m.Gamma)
		}
		out[i] = s - m.Rho
	}
	return out, nil
}

func (m *SVM) PredictProba(X [][]float64) ([]float64, error) {
	if !m.Probability {
		return nil, fmt.Errorf("svm: probability estimates are disabled")
	}
	dec, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	for i, f := range dec {
		dec[i] = sigmoidPredict(f, m.ProbA, m.ProbB)
	}
	return dec, nil
}

// Predict uses the sign of the decision function, not the calibrated probability.
func (m *SVM) Predict(X [][]float64) ([]int, error) {
	dec, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	return thresholdLabels(dec), nil
}

// crossValidatedDecisions computes out-of-fold decision values on a seeded
// permutation. A sub-fold whose training part has a single class scores +1 or -1.
func (m *SVM) crossValidatedDecisions(X [][]float64, y []int, cs []float64) []float64 {
	n := len(X)
	dec := make([]float64, n)
	perm := rand.New(rand.NewSource(m.Seed)).Perm(n)

	for f := 0; f < plattFolds; f++ {
		start := f * n / plattFolds
		end := (f + 1) * n / plattFolds
		if start == end {
			continue
		}

		var subX [][]float64
		var subY []int
		var subC []float64
		var pos, neg int
		for _, idx := range perm[:start] {
			subX, subY, subC = append(subX, X[idx]), append(subY, y[idx]), append(subC, cs[idx])
		}
		for _, idx := range perm[end:] {
			subX, subY, subC = append(subX, X[idx]), append(subY, y[idx]), append(subC, cs[idx])
		}
		for _, c := range subY {
			if c == 1 {
				pos++
			} else {
				neg++
			}
		}

		switch {
		case pos == 0 && neg == 0:
			for _, idx := range perm[start:end] {
				dec[idx] = 0
			}
			continue
		case neg == 0:
			for _, idx := range perm[start:end] {
				dec[idx] = 1
			}
			continue
		case pos == 0:
			for _, idx := range perm[start:end] {
				dec[idx] = -1
			}
			continue
		}

		gamma := m.Gamma
		sol := solveSMO(subX, subY, subC, gamma)
		for _, idx := range perm[start:end] {
			var s float64
			for k, a := range sol.alpha {
				if a > 0 {
					s += a * sign(subY[k]) * rbf(subX[k], X[idx], gamma)
				}
			}
			dec[idx] = s - sol.rho
		}
	}
	return dec
}

func scaleGamma(X [][]float64) float64 {
	d := len(X[0])
	all := make([]float64, 0, len(X)*d)
	for _, row := range X {
		all = append(all, row...)
	}
	_, std := stat.PopMeanStdDev(all, nil)
	v := std * std
	if v == 0 {
		return 1
	}
	return 1 / (float64(d) * v)
}

func rbf(a, b []float64, gamma float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return math.Exp(-gamma * d)
}

func sign(label int) float64 {
	if label == 1 {
		return 1
	}
	return -1
}

type smoSolution struct {
	alpha []float64
	rho   float64
	iter  int
}

// solveSMO solves the C-SVC dual with second-order working set selection.
// cs holds the per-sample upper bound on alpha.
func solveSMO(X [][]float64, labels []int, cs []float64, gamma float64) smoSolution {
	n := len(X)
	y := make([]float64, n)
	for i, c := range labels {
		y[i] = sign(c)
	}

	// Q[i][j] = y_i*y_j*K(x_i, x_j)
	Q := make([][]float64, n)
	for i := range Q {
		Q[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		Q[i][i] = 1
		for j := i + 1; j < n; j++ {
			q := y[i] * y[j] * rbf(X[i], X[j], gamma)
			Q[i][j], Q[j][i] = q, q
		}
	}

	alpha := make([]float64, n)
	G := make([]float64, n)
	for i := range G {
		G[i] = -1
	}

	isUpper := func(i int) bool { return alpha[i] >= cs[i] }
	isLower := func(i int) bool { return alpha[i] <= 0 }

	iter := 0
	for ; iter < smoMaxIter; iter++ {
		i, j, ok := selectWorkingSet(Q, y, G, isUpper, isLower)
		if !ok {
			break
		}

		Qi, Qj := Q[i], Q[j]
		Ci, Cj := cs[i], cs[j]
		oldAi, oldAj := alpha[i], alpha[j]

		if y[i] != y[j] {
			quad := Qi[i] + Qj[j] + 2*Qi[j]
			if quad <= 0 {
				quad = smoTau
			}
			delta := (-G[i] - G[j]) / quad
			diff := alpha[i] - alpha[j]
			alpha[i] += delta
			alpha[j] += delta
			if diff > 0 {
				if alpha[j] < 0 {
					alpha[j] = 0
					alpha[i] = diff
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = -diff
			}
			if diff > Ci-Cj {
				if alpha[i] > Ci {
					alpha[i] = Ci
					alpha[j] = Ci - diff
				}
			} else if alpha[j] > Cj {
				alpha[j] = Cj
				alpha[i] = Cj + diff
			}
		} else {
			quad := Qi[i] + Qj[j] - 2*Qi[j]
			if quad <= 0 {
				quad = smoTau
			}
			delta := (G[i] - G[j]) / quad
			sum := alpha[i] + alpha[j]
			alpha[i] -= delta
			alpha[j] += delta
			if sum > Ci {
				if alpha[i] > Ci {
					alpha[i] = Ci
					alpha[j] = sum - Ci
				}
			} else if alpha[j] < 0 {
				alpha[j] = 0
				alpha[i] = sum
			}
			if sum > Cj {
				if alpha[j] > Cj {
					alpha[j] = Cj
					alpha[i] = sum - Cj
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = sum
			}
		}

		dAi, dAj := alpha[i]-oldAi, alpha[j]-oldAj
		for k := 0; k < n; k++ {
			G[k] += Qi[k]*dAi + Qj[k]*dAj
		}
	}

	if iter == smoMaxIter {
		log.Warn().Int("iterations", iter).Msg("SMO reached the iteration limit")
	}

	return smoSolution{alpha: alpha, rho: computeRho(y, G, isUpper, isLower), iter: iter}
}

func selectWorkingSet(Q [][]float64, y, G []float64, isUpper, isLower func(int) bool) (int, int, bool) {
	gmax := math.Inf(-1)
	gmax2 := math.Inf(-1)
	gmaxIdx, gminIdx := -1, -1
	objDiffMin := math.Inf(1)

	for t := range y {
		if y[t] == 1 {
			if !isUpper(t) && -G[t] >= gmax {
				gmax = -G[t]
				gmaxIdx = t
			}
		} else if !isLower(t) && G[t] >= gmax {
			gmax = G[t]
			gmaxIdx = t
		}
	}

	i := gmaxIdx
	var Qi []float64
	if i != -1 {
		Qi = Q[i]
	}

	for j := range y {
		var gradDiff, quad float64
		if y[j] == 1 {
			if isLower(j) {
				continue
			}
			gradDiff = gmax + G[j]
			if G[j] >= gmax2 {
				gmax2 = G[j]
			}
			if gradDiff <= 0 {
				continue
			}
			quad = Qi[i] + Q[j][j] - 2*y[i]*Qi[j]
		} else {
			if isUpper(j) {
				continue
			}
			gradDiff = gmax - G[j]
			if -G[j] >= gmax2 {
				gmax2 = -G[j]
			}
			if gradDiff <= 0 {
				continue
			}
			quad = Qi[i] + Q[j][j] + 2*y[i]*Qi[j]
		}
		if quad <= 0 {
			quad = smoTau
		}
		objDiff := -(gradDiff * gradDiff) / quad
		if objDiff <= objDiffMin {
			gminIdx = j
			objDiffMin = objDiff
		}
	}

	if gmax+gmax2 < smoEps || gminIdx == -1 {
		return 0, 0, false
	}
	return gmaxIdx, gminIdx, true
}

func computeRho(y, G []float64, isUpper, isLower func(int) bool) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sumFree float64
	var nFree int

	for i := range y {
		yG := y[i] * G[i]
		switch {
		case isUpper(i):
			if y[i] == -1 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		case isLower(i):
			if y[i] == 1 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		default:
			nFree++
			sumFree += yG
		}
	}

	if nFree > 0 {
		return sumFree / float64(nFree)
	}
	return (ub + lb) / 2
}

// sigmoidTrain fits P(y=1|f) = 1/(1+exp(A*f+B)) by Newton's method with
// backtracking, using smoothed targets.
func sigmoidTrain(dec []float64, y []int) (float64, float64) {
	var prior1, prior0 float64
	for _, c := range y {
		if c == 1 {
			prior1++
		} else {
			prior0++
		}
	}

	const sigma = 1e-12
	const eps = 1e-5
	hi := (prior1 + 1) / (prior1 + 2)
	lo := 1 / (prior0 + 2)
	t := make([]float64, len(dec))
	for i, c := range y {
		if c == 1 {
			t[i] = hi
		} else {
			t[i] = lo
		}
	}

	objective := func(a, b float64) float64 {
		var f float64
		for i, d := range dec {
			fApB := d*a + b
			if fApB >= 0 {
				f += t[i]*fApB + math.Log1p(math.Exp(-fApB))
			} else {
				f += (t[i]-1)*fApB + math.Log1p(math.Exp(fApB))
			}
		}
		return f
	}

	A, B := 0.0, math.Log((prior0+1)/(prior1+1))
	fval := objective(A, B)

	for iter := 0; iter < plattMaxIt; iter++ {
		h11, h22, h21 := sigma, sigma, 0.0
		var g1, g2 float64
		for i, d := range dec {
			fApB := d*A + B
			var p, q float64
			if fApB >= 0 {
				e := math.Exp(-fApB)
				p = e / (1 + e)
				q = 1 / (1 + e)
			} else {
				e := math.Exp(fApB)
				p = 1 / (1 + e)
				q = e / (1 + e)
			}
			d2 := p * q
			h11 += d * d * d2
			h22 += d2
			h21 += d * d2
			d1 := t[i] - p
			g1 += d * d1
			g2 += d1
		}

		if math.Abs(g1) < eps && math.Abs(g2) < eps {
			break
		}

		det := h11*h22 - h21*h21
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		step := 1.0
		for step >= plattMinStp {
			newA, newB := A+step*dA, B+step*dB
			newf := objective(newA, newB)
			if newf < fval+0.0001*step*gd {
				A, B, fval = newA, newB, newf
				break
			}
			step /= 2
		}
		if step < plattMinStp {
			log.Debug().Msg("Platt line search failed")
			break
		}
	}
	return A, B
}

func sigmoidPredict(dec, a, b float64) float64 {
	fApB := dec*a + b
	if fApB >= 0 {
		e := math.Exp(-fApB)
		return e / (1 + e)
	}
	return 1 / (1 + math.Exp(fApB))
}
