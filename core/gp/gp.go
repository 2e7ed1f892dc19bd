package gp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/atomgp/core/kernel"
	"github.com/adalundhe/atomgp/core/prior"
)

var (
	// ErrNotPositiveDefinite means the regularized Gram matrix failed
	// Cholesky factorization. The training set is numerically near
	// singular; increase the noise or reduce redundancy.
	ErrNotPositiveDefinite = errors.New("covariance matrix is not positive definite")

	// ErrNotTrained means prediction was requested before any
	// successful training call.
	ErrNotTrained = errors.New("gaussian process has not been trained")

	// ErrFitFailed means the hyperparameter optimizer did not converge.
	// The previous hyperparameters remain in effect.
	ErrFitFailed = errors.New("hyperparameter fit failed")

	// ErrDimensionMismatch means feature or target rows disagree in
	// length.
	ErrDimensionMismatch = errors.New("dimension mismatch in training data")
)

// GaussianProcess regresses energies and forces jointly over feature
// space. Training rebuilds the full covariance decomposition; there is
// no incremental update path.
//
// One instance is owned by a single calculator. Concurrent use is the
// caller's responsibility to serialize.
type GaussianProcess struct {
	kernel *kernel.SquaredExponential
	prior  *prior.Constant
	noise  float64
	logger *slog.Logger

	x       [][]float64
	dim     int
	targets *mat.VecDense // flattened target vectors
	resid   *mat.VecDense // targets - prior mean
	alpha   *mat.VecDense // posterior weights
	chol    mat.Cholesky
	lower   *mat.TriDense
	trained bool
}

// New creates an untrained process over the given kernel and prior.
// logger may be nil, in which case slog.Default() is used.
func New(k *kernel.SquaredExponential, p *prior.Constant, noise float64, logger *slog.Logger) *GaussianProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &GaussianProcess{kernel: k, prior: p, noise: noise, logger: logger}
}

func (g *GaussianProcess) Kernel() *kernel.SquaredExponential { return g.kernel }

func (g *GaussianProcess) Prior() *prior.Constant { return g.prior }

func (g *GaussianProcess) Noise() float64 { return g.noise }

// SetNoise replaces the regularization noise used by subsequent trains.
func (g *GaussianProcess) SetNoise(noise float64) error {
	if noise <= 0 {
		return fmt.Errorf("noise must be positive, got %v", noise)
	}
	g.noise = noise
	return nil
}

// Trained reports whether a posterior is available.
func (g *GaussianProcess) Trained() bool { return g.trained }

// TrainingSize is the number of observations in the current posterior.
func (g *GaussianProcess) TrainingSize() int { return len(g.x) }

// Train builds the Gram matrix over X, adds diagonal regularization,
// factorizes it and solves for the posterior weights against the
// residual targets Y - prior. Each Y row holds the energy followed by
// the negated masked force components, length 1+len(X row).
//
// A noise argument > 0 replaces the stored regularization noise.
func (g *GaussianProcess) Train(X, Y [][]float64, noise float64) error {
	if len(X) == 0 || len(X) != len(Y) {
		return fmt.Errorf("%w: %d feature rows, %d target rows", ErrDimensionMismatch, len(X), len(Y))
	}
	dim := len(X[0])
	for i := range X {
		if len(X[i]) != dim || len(Y[i]) != dim+1 {
			return fmt.Errorf("%w: row %d", ErrDimensionMismatch, i)
		}
	}
	if noise > 0 {
		g.noise = noise
	}

	n := len(X)
	bs := dim + 1
	size := n * bs

	gram := g.kernel.Matrix(X)
	g.regularize(gram, n, bs)
	if ok := g.chol.Factorize(gram); !ok {
		return fmt.Errorf("%w: %d observations, noise %v", ErrNotPositiveDefinite, n, g.noise)
	}

	targets := mat.NewVecDense(size, nil)
	for i, row := range Y {
		for j, v := range row {
			targets.SetVec(i*bs+j, v)
		}
	}

	if g.prior.Fitting() {
		if err := g.fitPriorConstant(targets, n, bs); err != nil {
			return err
		}
	}

	resid := mat.NewVecDense(size, nil)
	resid.CopyVec(targets)
	c := g.prior.Constant()
	for i := 0; i < n; i++ {
		resid.SetVec(i*bs, resid.AtVec(i*bs)-c)
	}

	alpha := mat.NewVecDense(size, nil)
	if err := g.chol.SolveVecTo(alpha, resid); err != nil {
		return fmt.Errorf("solve posterior weights: %w", err)
	}

	lower := mat.NewTriDense(size, mat.Lower, nil)
	g.chol.LTo(lower)

	g.x = make([][]float64, n)
	for i, row := range X {
		g.x[i] = append([]float64(nil), row...)
	}
	g.dim = dim
	g.targets = targets
	g.resid = resid
	g.alpha = alpha
	g.lower = lower
	g.trained = true

	g.logger.Debug("trained gaussian process",
		"observations", n, "dimension", dim, "noise", g.noise)
	return nil
}

// regularize adds the noise to the Gram diagonal: (noise*scale)^2 on
// energy entries, noise^2 on derivative entries.
func (g *GaussianProcess) regularize(gram *mat.SymDense, n, bs int) {
	_, scale := g.kernel.Params()
	energyReg := g.noise * scale * g.noise * scale
	forceReg := g.noise * g.noise
	for i := 0; i < n; i++ {
		e := i * bs
		gram.SetSym(e, e, gram.At(e, e)+energyReg)
		for j := 1; j < bs; j++ {
			gram.SetSym(e+j, e+j, gram.At(e+j, e+j)+forceReg)
		}
	}
}

// fitPriorConstant determines the prior constant in closed form from the
// marginal likelihood: c = <K^-1 u, y> / <K^-1 u, u>, with u the energy
// indicator basis.
func (g *GaussianProcess) fitPriorConstant(targets *mat.VecDense, n, bs int) error {
	size := n * bs
	u := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		u.SetVec(i*bs, 1)
	}
	w := mat.NewVecDense(size, nil)
	if err := g.chol.SolveVecTo(w, u); err != nil {
		return fmt.Errorf("solve prior basis: %w", err)
	}
	denom := mat.Dot(w, u)
	if denom == 0 || math.IsNaN(denom) {
		return fmt.Errorf("%w: degenerate prior basis", ErrNotPositiveDefinite)
	}
	g.prior.SetConstant(mat.Dot(w, targets) / denom)
	return nil
}

// Predict evaluates the posterior mean at x. The first component is the
// energy, the remaining dim components are the negated forces along the
// free coordinates.
func (g *GaussianProcess) Predict(x []float64) ([]float64, error) {
	if !g.trained {
		return nil, ErrNotTrained
	}
	if len(x) != g.dim {
		return nil, fmt.Errorf("%w: query has %d coordinates, model has %d", ErrDimensionMismatch, len(x), g.dim)
	}
	kv := g.kernel.Vector(x, g.x)
	out := mat.NewVecDense(g.dim+1, nil)
	out.MulVec(kv, g.alpha)

	res := make([]float64, g.dim+1)
	copy(res, out.RawVector().Data)
	res[0] += g.prior.Constant()
	return res, nil
}

// PredictUncertainty evaluates the posterior standard deviation of the
// energy at x. A negative intermediate variance is a floating point
// artifact: it is clamped to zero, reported through clamped and logged
// at warning level rather than treated as fatal.
func (g *GaussianProcess) PredictUncertainty(x []float64) (sigma float64, clamped bool, err error) {
	if !g.trained {
		return 0, false, ErrNotTrained
	}
	if len(x) != g.dim {
		return 0, false, fmt.Errorf("%w: query has %d coordinates, model has %d", ErrDimensionMismatch, len(x), g.dim)
	}
	kv := g.kernel.Vector(x, g.x)

	size := len(g.x) * (g.dim + 1)
	v := mat.NewVecDense(size, nil)
	if err := v.SolveVec(g.lower, kv.RowView(0)); err != nil {
		return 0, false, fmt.Errorf("triangular solve: %w", err)
	}

	variance := g.kernel.Value(x, x) - mat.Dot(v, v)
	if variance < 0 {
		g.logger.Warn("negative predictive variance clamped to zero", "variance", variance)
		return 0, true, nil
	}
	return math.Sqrt(variance), false, nil
}
