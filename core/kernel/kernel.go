package kernel

import (
	"fmt"
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Squared-Exponential Kernel with Derivative Observations
// =============================================================================
//
// Covariance over configuration space for a Gaussian process that observes
// both energies and forces. Each pair of configurations (x1, x2) with D free
// coordinates contributes a (1+D)x(1+D) block coupling the energy channel
// (row/column 0) with the derivative channels (rows/columns 1..D):
//
//   k(x1, x2) = w^2 exp(-|d|^2 / (2 l^2)),  d = x1 - x2
//
//   B[0][0]   = k
//   B[0][1+j] = d_j / l^2 * k
//   B[1+i][0] = -d_i / l^2 * k
//   B[1+i][1+j] = (delta_ij / l^2 - d_i d_j / l^4) * k
//
// The full Gram matrix over n configurations is the n(1+D) x n(1+D) symmetric
// assembly of these blocks; B(x1, x2) = B(x2, x1)^T keeps it symmetric.
//
// Analytic gradients of the Gram matrix with respect to the weight w and the
// lengthscale l are exposed for marginal-likelihood maximization.

// SquaredExponential is the squared-exponential covariance with derivative
// observations. Weight scales all covariances multiplicatively; scale is the
// spatial decay lengthscale. Both must stay positive.
type SquaredExponential struct {
	weight float64
	scale  float64
}

// NewSquaredExponential creates the kernel with the given hyperparameters.
func NewSquaredExponential(weight, scale float64) (*SquaredExponential, error) {
	k := &SquaredExponential{}
	if err := k.SetParams(weight, scale); err != nil {
		return nil, err
	}
	return k, nil
}

// SetParams replaces both hyperparameters.
func (k *SquaredExponential) SetParams(weight, scale float64) error {
	if weight <= 0 || scale <= 0 {
		return fmt.Errorf("kernel hyperparameters must be positive, got weight=%v scale=%v", weight, scale)
	}
	k.weight = weight
	k.scale = scale
	return nil
}

// Params returns the current (weight, scale) pair.
func (k *SquaredExponential) Params() (weight, scale float64) {
	return k.weight, k.scale
}

// Value is the scalar energy-energy covariance between two feature vectors.
func (k *SquaredExponential) Value(x1, x2 []float64) float64 {
	d := vek.Distance(x1, x2)
	return k.weight * k.weight * math.Exp(-d*d/(2*k.scale*k.scale))
}

// Block computes the (1+D)x(1+D) covariance block between two feature
// vectors of equal length D.
func (k *SquaredExponential) Block(x1, x2 []float64) *mat.Dense {
	dim := len(x1)
	out := mat.NewDense(dim+1, dim+1, nil)
	k.blockInto(out.RawMatrix().Data, dim+1, x1, x2)
	return out
}

// blockInto writes the covariance block into data, interpreted as a
// row-major matrix with the given row stride, starting at data[0].
func (k *SquaredExponential) blockInto(data []float64, stride int, x1, x2 []float64) {
	dim := len(x1)
	l2 := k.scale * k.scale
	kv := k.Value(x1, x2)

	data[0] = kv
	for j := 0; j < dim; j++ {
		g := (x1[j] - x2[j]) / l2 * kv
		data[1+j] = g
		data[(1+j)*stride] = -g
	}
	for i := 0; i < dim; i++ {
		di := x1[i] - x2[i]
		row := data[(1+i)*stride:]
		for j := 0; j < dim; j++ {
			dj := x1[j] - x2[j]
			h := -di * dj / (l2 * l2)
			if i == j {
				h += 1 / l2
			}
			row[1+j] = h * kv
		}
	}
}

// Vector computes the (1+D) x n(1+D) covariance between one feature vector
// and every row of X, as column blocks in training order.
func (k *SquaredExponential) Vector(x []float64, X [][]float64) *mat.Dense {
	dim := len(x)
	bs := dim + 1
	out := mat.NewDense(bs, len(X)*bs, nil)
	raw := out.RawMatrix()
	for q, xq := range X {
		k.blockInto(raw.Data[q*bs:], raw.Stride, x, xq)
	}
	return out
}

// Matrix assembles the symmetric n(1+D) x n(1+D) Gram matrix over all rows
// of X. The result is valid for Cholesky factorization once diagonal
// regularization is added.
func (k *SquaredExponential) Matrix(X [][]float64) *mat.SymDense {
	n := len(X)
	dim := len(X[0])
	bs := dim + 1
	size := n * bs
	data := make([]float64, size*size)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			k.blockInto(data[p*bs*size+q*bs:], size, X[p], X[q])
		}
	}
	return mat.NewSymDense(size, data)
}

// Gradient returns the derivatives of the Gram matrix with respect to the
// weight and the scale, in that order.
func (k *SquaredExponential) Gradient(X [][]float64) (dWeight, dScale *mat.SymDense) {
	n := len(X)
	dim := len(X[0])
	bs := dim + 1
	size := n * bs

	// dK/dw = (2/w) K, entry by entry.
	gram := k.Matrix(X)
	raw := gram.RawSymmetric()
	scaled := make([]float64, len(raw.Data))
	for i, v := range raw.Data {
		scaled[i] = 2 / k.weight * v
	}
	dw := mat.NewSymDense(size, scaled)

	dl := make([]float64, size*size)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			k.scaleGradBlockInto(dl[p*bs*size+q*bs:], size, X[p], X[q])
		}
	}
	return dw, mat.NewSymDense(size, dl)
}

// scaleGradBlockInto writes d B(x1, x2) / d l into data with the given row
// stride. Obtained by differentiating each block entry, using
// dk/dl = k |d|^2 / l^3.
func (k *SquaredExponential) scaleGradBlockInto(data []float64, stride int, x1, x2 []float64) {
	dim := len(x1)
	l := k.scale
	l2 := l * l
	kv := k.Value(x1, x2)

	dist := vek.Distance(x1, x2)
	r2 := dist * dist

	data[0] = kv * r2 / (l2 * l)
	for j := 0; j < dim; j++ {
		g := (x1[j] - x2[j]) * kv * (r2/(l2*l2*l) - 2/(l2*l))
		data[1+j] = g
		data[(1+j)*stride] = -g
	}
	for i := 0; i < dim; i++ {
		di := x1[i] - x2[i]
		row := data[(1+i)*stride:]
		for j := 0; j < dim; j++ {
			dj := x1[j] - x2[j]
			coeff := -di * dj / (l2 * l2)
			if i == j {
				coeff += 1 / l2
			}
			v := coeff * kv * r2 / (l2 * l)
			v += 4 * di * dj / (l2 * l2 * l) * kv
			if i == j {
				v -= 2 / (l2 * l) * kv
			}
			row[1+j] = v
		}
	}
}
