package gp

import (
	"errors"
	"math"
	"testing"

	"github.com/adalundhe/atomgp/core/kernel"
	"github.com/adalundhe/atomgp/core/prior"
)

// oneDModel trains the reference one-dimensional scenario: observations
// at x = 0, 1, 2 with energies 0, 1, 0 and zero forces.
func oneDModel(t *testing.T, strategy prior.Strategy) *GaussianProcess {
	t.Helper()

	k, err := kernel.NewSquaredExponential(1.0, 0.4)
	if err != nil {
		t.Fatalf("NewSquaredExponential: %v", err)
	}
	p, err := prior.NewConstant(strategy)
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}

	X := [][]float64{{0}, {1}, {2}}
	Y := [][]float64{{0, 0}, {1, 0}, {0, 0}}
	p.Update([]float64{0, 1, 0})

	g := New(k, p, 0.005, nil)
	if err := g.Train(X, Y, 0.005); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return g
}

func TestTrainReproducesTrainingTargets(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)

	for i, x := range []float64{0, 1, 2} {
		want := []float64{0, 1, 0}[i]
		pred, err := g.Predict([]float64{x})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if math.Abs(pred[0]-want) > 0.05 {
			t.Errorf("energy at x=%v: got %v, want %v within 0.05", x, pred[0], want)
		}
	}
}

func TestPredictInterpolatesBetweenTrainingPoints(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)

	pred, err := g.Predict([]float64{0.5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred[0] <= 0 || pred[0] >= 1 {
		t.Errorf("energy at x=0.5 should lie strictly between 0 and 1, got %v", pred[0])
	}
}

func TestUncertaintyGrowsAwayFromTrainingData(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)

	near, clamped, err := g.PredictUncertainty([]float64{0})
	if err != nil {
		t.Fatalf("PredictUncertainty: %v", err)
	}
	if clamped {
		t.Fatal("unexpected clamp at training point")
	}
	far, _, err := g.PredictUncertainty([]float64{10})
	if err != nil {
		t.Fatalf("PredictUncertainty: %v", err)
	}

	if near > 0.05 {
		t.Errorf("uncertainty at a training point should be near zero, got %v", near)
	}
	if far <= near {
		t.Errorf("uncertainty far from data (%v) should exceed uncertainty at a training point (%v)", far, near)
	}
}

func TestTrainRejectsSingularCovariance(t *testing.T) {
	k, err := kernel.NewSquaredExponential(1.0, 0.4)
	if err != nil {
		t.Fatalf("NewSquaredExponential: %v", err)
	}
	p := prior.Fixed(0)

	// Identical observations with no regularization noise make the
	// Gram matrix exactly singular.
	g := New(k, p, 0, nil)
	X := [][]float64{{1}, {1}}
	Y := [][]float64{{2, 0}, {2, 0}}

	err = g.Train(X, Y, 0)
	if !errors.Is(err, ErrNotPositiveDefinite) {
		t.Fatalf("expected ErrNotPositiveDefinite, got %v", err)
	}
}

func TestPredictBeforeTrain(t *testing.T) {
	k, err := kernel.NewSquaredExponential(1, 1)
	if err != nil {
		t.Fatalf("NewSquaredExponential: %v", err)
	}
	g := New(k, prior.Fixed(0), 0.01, nil)

	if _, err := g.Predict([]float64{0}); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Predict before Train: got %v, want ErrNotTrained", err)
	}
	if _, _, err := g.PredictUncertainty([]float64{0}); !errors.Is(err, ErrNotTrained) {
		t.Errorf("PredictUncertainty before Train: got %v, want ErrNotTrained", err)
	}
}

func TestTrainRejectsMismatchedRows(t *testing.T) {
	k, err := kernel.NewSquaredExponential(1, 1)
	if err != nil {
		t.Fatalf("NewSquaredExponential: %v", err)
	}
	g := New(k, prior.Fixed(0), 0.01, nil)

	err = g.Train([][]float64{{0, 1}}, [][]float64{{0, 0}}, 0.01)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestFitPriorConstant(t *testing.T) {
	k, err := kernel.NewSquaredExponential(1.0, 0.4)
	if err != nil {
		t.Fatalf("NewSquaredExponential: %v", err)
	}
	p, err := prior.NewConstant(prior.StrategyFit)
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}

	// Well separated flat observations: the fitted constant should
	// land on the common energy.
	g := New(k, p, 0.005, nil)
	X := [][]float64{{0}, {5}, {10}}
	Y := [][]float64{{2, 0}, {2, 0}, {2, 0}}
	if err := g.Train(X, Y, 0.005); err != nil {
		t.Fatalf("Train: %v", err)
	}

	if math.Abs(p.Constant()-2) > 1e-6 {
		t.Errorf("fitted prior constant = %v, want 2", p.Constant())
	}
}

func TestFitWeightKeepsTrainingFit(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)
	X := [][]float64{{0}, {1}, {2}}
	Y := [][]float64{{0, 0}, {1, 0}, {0, 0}}

	w0, _ := g.Kernel().Params()
	if err := g.FitWeight(X, Y); err != nil {
		t.Fatalf("FitWeight: %v", err)
	}
	w1, _ := g.Kernel().Params()
	if w1 <= 0 {
		t.Fatalf("rescaled weight %v must stay positive", w1)
	}
	if w0 == w1 {
		t.Log("weight unchanged by closed-form rescale; data already at ML scale")
	}

	pred, err := g.Predict([]float64{1})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if math.Abs(pred[0]-1) > 0.05 {
		t.Errorf("training fit lost after weight rescale: %v", pred[0])
	}
}

func TestFitHyperparameters(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)
	X := [][]float64{{0}, {1}, {2}}
	Y := [][]float64{{0, 0}, {1, 0}, {0, 0}}
	w0, l0 := g.Kernel().Params()

	err := g.FitHyperparameters(X, Y, 0)
	w1, l1 := g.Kernel().Params()
	if err != nil {
		// Recoverable by contract: the previous hyperparameters must
		// survive an optimizer failure.
		if !errors.Is(err, ErrFitFailed) {
			t.Fatalf("unexpected error class: %v", err)
		}
		if w1 != w0 || l1 != l0 {
			t.Fatalf("hyperparameters changed after failed fit: (%v,%v) -> (%v,%v)", w0, l0, w1, l1)
		}
		return
	}
	if w1 <= 0 || l1 <= 0 {
		t.Fatalf("fitted hyperparameters must stay positive, got (%v,%v)", w1, l1)
	}
	pred, perr := g.Predict([]float64{1})
	if perr != nil {
		t.Fatalf("Predict after fit: %v", perr)
	}
	if math.Abs(pred[0]-1) > 0.1 {
		t.Errorf("training fit degraded after hyperparameter fit: %v", pred[0])
	}
}

func TestFitHyperparametersBounded(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)
	X := [][]float64{{0}, {1}, {2}}
	Y := [][]float64{{0, 0}, {1, 0}, {0, 0}}
	w0, l0 := g.Kernel().Params()

	const bounds = 0.1
	if err := g.FitHyperparameters(X, Y, bounds); err != nil {
		w1, l1 := g.Kernel().Params()
		if w1 != w0 || l1 != l0 {
			t.Fatalf("hyperparameters changed after failed fit")
		}
		return
	}
	w1, l1 := g.Kernel().Params()
	if w1 < (1-bounds)*w0-1e-9 || w1 > (1+bounds)*w0+1e-9 {
		t.Errorf("fitted weight %v escaped bounds around %v", w1, w0)
	}
	if l1 < (1-bounds)*l0-1e-9 || l1 > (1+bounds)*l0+1e-9 {
		t.Errorf("fitted scale %v escaped bounds around %v", l1, l0)
	}
}

func TestMarginalLogLikelihood(t *testing.T) {
	g := oneDModel(t, prior.StrategyMaximum)
	X := [][]float64{{0}, {1}, {2}}
	Y := [][]float64{{0, 0}, {1, 0}, {0, 0}}

	atModel, err := g.MarginalLogLikelihood(X, Y, 1.0, 0.4)
	if err != nil {
		t.Fatalf("MarginalLogLikelihood: %v", err)
	}
	if math.IsNaN(atModel) || math.IsInf(atModel, 0) {
		t.Fatalf("likelihood not finite: %v", atModel)
	}

	// A wildly long lengthscale cannot explain the 0-1-0 pattern: the
	// likelihood drops, or the near-singular covariance fails outright.
	far, err := g.MarginalLogLikelihood(X, Y, 1.0, 100.0)
	if err == nil && far >= atModel {
		t.Errorf("likelihood at scale=100 (%v) should fall below scale=0.4 (%v)", far, atModel)
	}
	if err != nil && !errors.Is(err, ErrFitFailed) {
		t.Errorf("far hyperparameters: got %v, want nil or ErrFitFailed", err)
	}

	// Evaluation must not disturb the kernel parameters.
	w, l := g.Kernel().Params()
	if w != 1.0 || l != 0.4 {
		t.Errorf("kernel parameters changed: weight=%v scale=%v", w, l)
	}

	if _, err := g.MarginalLogLikelihood(X, Y, -1, 0.4); !errors.Is(err, ErrFitFailed) {
		t.Errorf("negative weight: got %v, want ErrFitFailed", err)
	}
	if _, err := g.MarginalLogLikelihood(nil, nil, 1, 0.4); !errors.Is(err, ErrFitFailed) {
		t.Errorf("empty data: got %v, want ErrFitFailed", err)
	}
}
