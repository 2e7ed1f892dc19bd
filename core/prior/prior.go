package prior

import (
	"fmt"
	"slices"
)

// Strategy selects how the constant prior tracks the training energies
// between training sessions.
type Strategy string

const (
	// StrategyMaximum tracks the largest sampled energy. Default.
	StrategyMaximum Strategy = "maximum"
	// StrategyMinimum tracks the smallest sampled energy.
	StrategyMinimum Strategy = "minimum"
	// StrategyAverage tracks the mean of the sampled energies.
	StrategyAverage Strategy = "average"
	// StrategyInit pins the constant to the first energy ever observed.
	StrategyInit Strategy = "init"
	// StrategyLast tracks the most recently sampled energy.
	StrategyLast Strategy = "last"
	// StrategyFit defers the constant to the closed-form
	// marginal-likelihood update inside the Gaussian process.
	StrategyFit Strategy = "fit"
)

// Strategies lists every recognized strategy.
func Strategies() []Strategy {
	return []Strategy{
		StrategyMaximum, StrategyMinimum, StrategyAverage,
		StrategyInit, StrategyLast, StrategyFit,
	}
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return slices.Contains(Strategies(), s)
}

// Constant is a location-independent baseline mean: a constant energy
// with zero derivative. The constant is mutated only between training
// sessions, never during prediction.
type Constant struct {
	constant float64
	strategy Strategy
	frozen   bool // init strategy: set once, then locked
	fitting  bool // fit strategy: owner updates closed-form
}

// NewConstant creates a constant prior following the given strategy.
func NewConstant(strategy Strategy) (*Constant, error) {
	if strategy == "" {
		strategy = StrategyMaximum
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown prior strategy %q", strategy)
	}
	return &Constant{strategy: strategy, fitting: strategy == StrategyFit}, nil
}

// Fixed creates a prior pinned to a caller-chosen constant; no strategy
// updates apply.
func Fixed(constant float64) *Constant {
	return &Constant{constant: constant, strategy: "", frozen: true}
}

func (p *Constant) Strategy() Strategy { return p.strategy }

func (p *Constant) Constant() float64 { return p.constant }

// SetConstant overwrites the baseline.
func (p *Constant) SetConstant(v float64) { p.constant = v }

// Fitting reports whether the constant is determined by the
// marginal-likelihood optimizer rather than a fixed update rule.
func (p *Constant) Fitting() bool { return p.fitting }

// Vector is the prior mean over one observation's channels: the constant
// on the energy channel, zero on the dim derivative channels.
func (p *Constant) Vector(dim int) []float64 {
	out := make([]float64, dim+1)
	out[0] = p.constant
	return out
}

// Update applies the strategy to the energies observed so far, in
// insertion order. The init strategy locks after its first application;
// the fit strategy leaves the constant to the Gaussian process.
func (p *Constant) Update(energies []float64) {
	if len(energies) == 0 || p.frozen || p.fitting {
		return
	}
	switch p.strategy {
	case StrategyMaximum:
		p.constant = slices.Max(energies)
	case StrategyMinimum:
		p.constant = slices.Min(energies)
	case StrategyAverage:
		var sum float64
		for _, e := range energies {
			sum += e
		}
		p.constant = sum / float64(len(energies))
	case StrategyInit:
		p.constant = energies[0]
		p.frozen = true
	case StrategyLast:
		p.constant = energies[len(energies)-1]
	}
}
