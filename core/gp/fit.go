package gp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// =============================================================================
// Marginal-Likelihood Hyperparameter Fitting
// =============================================================================
//
// FitHyperparameters maximizes the log marginal likelihood
//
//   log p(y | X, w, l) = -1/2 (y-m)^T K^-1 (y-m) - 1/2 log|K| - N/2 log(2 pi)
//
// over the kernel weight w and lengthscale l, with the noise held fixed.
// The gradient uses the analytic kernel derivatives:
//
//   d(-logP)/dt = 1/2 tr(K^-1 dK/dt) - 1/2 a^T (dK/dt) a,   a = K^-1 (y-m)
//
// Positivity is maintained by optimizing in a transformed space: log
// coordinates when unbounded, a logistic map onto ((1-b)t0, (1+b)t0) when a
// fractional bound b is given. The posterior state of the process is not
// touched until the optimizer succeeds; on failure the previous
// hyperparameters stay in effect.

// FitHyperparameters maximizes the marginal likelihood over (weight,
// scale). bounds > 0 constrains each hyperparameter t to (1±bounds)·t0
// around its current value t0; bounds == 0 leaves the search
// unconstrained. Failure is recoverable: the error wraps ErrFitFailed
// and the previous hyperparameters remain set.
func (g *GaussianProcess) FitHyperparameters(X, Y [][]float64, bounds float64) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: no training data", ErrFitFailed)
	}
	w0, l0 := g.kernel.Params()
	theta0 := [2]float64{w0, l0}

	obj := &mlObjective{gp: g, X: X, Y: Y, theta0: theta0, bounds: bounds}
	problem := optimize.Problem{Func: obj.Func, Grad: obj.Grad}

	result, err := optimize.Minimize(problem, obj.initial(), nil, &optimize.LBFGS{})
	// Every objective evaluation mutates the kernel parameters; put the
	// originals back before deciding the outcome.
	if rerr := g.kernel.SetParams(w0, l0); rerr != nil {
		return rerr
	}
	if err != nil {
		g.logger.Warn("hyperparameter fit failed, keeping previous hyperparameters", "error", err)
		return fmt.Errorf("%w: %v", ErrFitFailed, err)
	}

	w, l := obj.theta(result.X)
	if !isPositiveFinite(w) || !isPositiveFinite(l) {
		g.logger.Warn("hyperparameter fit returned invalid values, keeping previous hyperparameters",
			"weight", w, "scale", l)
		return fmt.Errorf("%w: non-finite optimum", ErrFitFailed)
	}

	if err := g.kernel.SetParams(w, l); err != nil {
		return fmt.Errorf("%w: %v", ErrFitFailed, err)
	}
	if err := g.Train(X, Y, g.noise); err != nil {
		// The optimum is unusable; fall back to the previous model.
		if rerr := g.kernel.SetParams(w0, l0); rerr != nil {
			return rerr
		}
		if rerr := g.Train(X, Y, g.noise); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %v", ErrFitFailed, err)
	}
	g.logger.Debug("hyperparameters refit", "weight", w, "scale", l)
	return nil
}

// FitWeight rescales the kernel weight to its closed-form maximum
// likelihood value, keeping every other hyperparameter fixed:
// w <- w * sqrt((y-m)^T K^-1 (y-m) / N). The model is retrained with the
// new weight.
func (g *GaussianProcess) FitWeight(X, Y [][]float64) error {
	if !g.trained {
		return ErrNotTrained
	}
	n := g.resid.Len()
	factor := math.Sqrt(mat.Dot(g.resid, g.alpha) / float64(n))
	if !isPositiveFinite(factor) {
		return fmt.Errorf("%w: weight rescale factor %v", ErrFitFailed, factor)
	}
	w, l := g.kernel.Params()
	if err := g.kernel.SetParams(w*factor, l); err != nil {
		return fmt.Errorf("%w: %v", ErrFitFailed, err)
	}
	return g.Train(X, Y, g.noise)
}

// MarginalLogLikelihood evaluates the log marginal likelihood of the
// training data at hyperparameters (weight, scale). The process state
// and current kernel parameters are left untouched.
func (g *GaussianProcess) MarginalLogLikelihood(X, Y [][]float64, weight, scale float64) (float64, error) {
	if len(X) == 0 {
		return 0, fmt.Errorf("%w: no training data", ErrFitFailed)
	}
	if !isPositiveFinite(weight) || !isPositiveFinite(scale) {
		return 0, fmt.Errorf("%w: hyperparameters must be positive, got weight=%v scale=%v",
			ErrFitFailed, weight, scale)
	}
	w0, l0 := g.kernel.Params()
	obj := &mlObjective{gp: g, X: X, Y: Y, theta0: [2]float64{w0, l0}}
	nll := obj.Func([]float64{math.Log(weight), math.Log(scale)})
	if err := g.kernel.SetParams(w0, l0); err != nil {
		return 0, err
	}
	if math.IsInf(nll, 1) {
		return 0, fmt.Errorf("%w: covariance not positive definite at weight=%v scale=%v",
			ErrFitFailed, weight, scale)
	}
	return -nll, nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1) && !math.IsNaN(v)
}

// mlObjective is the negative log marginal likelihood in transformed
// coordinates, with a one-point cache so that paired Func/Grad calls at
// the same location factorize the Gram matrix once.
type mlObjective struct {
	gp     *GaussianProcess
	X, Y   [][]float64
	theta0 [2]float64
	bounds float64

	lastU    [2]float64
	lastOK   bool
	lastNLL  float64
	lastGrad [2]float64
}

func (o *mlObjective) initial() []float64 {
	if o.bounds > 0 {
		// The logistic map sends u = 0 to the current hyperparameters.
		return []float64{0, 0}
	}
	return []float64{math.Log(o.theta0[0]), math.Log(o.theta0[1])}
}

// theta maps transformed coordinates back to (weight, scale).
func (o *mlObjective) theta(u []float64) (w, l float64) {
	if o.bounds > 0 {
		w = o.logistic(u[0], o.theta0[0])
		l = o.logistic(u[1], o.theta0[1])
		return w, l
	}
	return math.Exp(u[0]), math.Exp(u[1])
}

// dThetaDu is the Jacobian diagonal of the transform.
func (o *mlObjective) dThetaDu(u []float64) (dw, dl float64) {
	if o.bounds > 0 {
		return o.logisticDeriv(u[0], o.theta0[0]), o.logisticDeriv(u[1], o.theta0[1])
	}
	return math.Exp(u[0]), math.Exp(u[1])
}

func (o *mlObjective) logistic(u, t0 float64) float64 {
	lo, hi := (1-o.bounds)*t0, (1+o.bounds)*t0
	return lo + (hi-lo)/(1+math.Exp(-u))
}

func (o *mlObjective) logisticDeriv(u, t0 float64) float64 {
	lo, hi := (1-o.bounds)*t0, (1+o.bounds)*t0
	s := 1 / (1 + math.Exp(-u))
	return (hi - lo) * s * (1 - s)
}

func (o *mlObjective) Func(u []float64) float64 {
	o.evaluate(u)
	return o.lastNLL
}

func (o *mlObjective) Grad(grad, u []float64) {
	o.evaluate(u)
	grad[0] = o.lastGrad[0]
	grad[1] = o.lastGrad[1]
}

func (o *mlObjective) evaluate(u []float64) {
	if o.lastOK && u[0] == o.lastU[0] && u[1] == o.lastU[1] {
		return
	}
	o.lastU = [2]float64{u[0], u[1]}
	o.lastOK = true

	w, l := o.theta(u)
	if !isPositiveFinite(w) || !isPositiveFinite(l) {
		o.fail()
		return
	}
	if err := o.gp.kernel.SetParams(w, l); err != nil {
		o.fail()
		return
	}

	n := len(o.X)
	dim := len(o.X[0])
	bs := dim + 1
	size := n * bs

	gram := o.gp.kernel.Matrix(o.X)
	o.gp.regularize(gram, n, bs)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		o.fail()
		return
	}

	resid := mat.NewVecDense(size, nil)
	c := o.gp.prior.Constant()
	for i, row := range o.Y {
		for j, v := range row {
			resid.SetVec(i*bs+j, v)
		}
		resid.SetVec(i*bs, resid.AtVec(i*bs)-c)
	}
	alpha := mat.NewVecDense(size, nil)
	if err := chol.SolveVecTo(alpha, resid); err != nil {
		o.fail()
		return
	}

	nll := 0.5*mat.Dot(resid, alpha) + 0.5*chol.LogDet() + 0.5*float64(size)*math.Log(2*math.Pi)
	if math.IsNaN(nll) {
		o.fail()
		return
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		o.fail()
		return
	}

	dWeight, dScale := o.gp.kernel.Gradient(o.X)
	gw := 0.5*traceProduct(&inv, dWeight, size) - 0.5*mat.Inner(alpha, dWeight, alpha)
	gl := 0.5*traceProduct(&inv, dScale, size) - 0.5*mat.Inner(alpha, dScale, alpha)

	dw, dl := o.dThetaDu(u)
	o.lastNLL = nll
	o.lastGrad = [2]float64{gw * dw, gl * dl}
}

func (o *mlObjective) fail() {
	o.lastNLL = math.Inf(1)
	o.lastGrad = [2]float64{0, 0}
}

// traceProduct computes tr(A B) for symmetric n x n A, B as the
// elementwise product sum.
func traceProduct(a, b *mat.SymDense, n int) float64 {
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum += a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}
