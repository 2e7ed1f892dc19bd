package calculator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/atomgp/core/atoms"
	"github.com/adalundhe/atomgp/core/gp"
	"github.com/adalundhe/atomgp/core/kernel"
	"github.com/adalundhe/atomgp/core/prior"
	"github.com/adalundhe/atomgp/core/trainset"
)

// ErrNoTrainingData means Calculate was invoked before any training
// structures were supplied.
var ErrNoTrainingData = errors.New("calculator has no training data")

const predictionCacheSize = 128

// FitWeightMode controls the closed-form weight refit after training.
type FitWeightMode string

const (
	// FitWeightOff disables the weight refit.
	FitWeightOff FitWeightMode = ""
	// FitWeightInit refits the weight on the first training call only.
	FitWeightInit FitWeightMode = "init"
	// FitWeightUpdate refits the weight on every training call.
	FitWeightUpdate FitWeightMode = "update"
)

// Config is the constructor-time configuration surface of the
// surrogate calculator. DefaultConfig supplies the documented defaults;
// zero numeric fields are filled in from it at construction.
type Config struct {
	// Prior optionally supplies an externally managed prior. When nil
	// the calculator owns a constant prior updated per
	// UpdatePriorStrategy on every training call.
	Prior *prior.Constant

	// UpdatePriorStrategy selects how the owned prior constant tracks
	// the training energies. Default maximum.
	UpdatePriorStrategy prior.Strategy

	// Weight, Scale and Noise are the initial hyperparameters: kernel
	// prefactor, kernel lengthscale and diagonal regularization.
	Weight float64
	Scale  float64
	Noise  float64

	// UpdateHyperparams enables marginal-likelihood refitting every
	// BatchSize-th observation count.
	UpdateHyperparams bool
	BatchSize         int

	// Bounds constrains each refit hyperparameter t to (1±Bounds)·t.
	// Zero leaves the search unconstrained.
	Bounds float64

	// FitWeight enables the closed-form weight rescale after training.
	FitWeight FitWeightMode

	// MaxTrainData caps the training-set size; zero means unlimited.
	// MaxTrainDataStrategy picks the survivors. Default
	// nearest_observations.
	MaxTrainData         int
	MaxTrainDataStrategy trainset.Strategy

	// WrapPositions wraps positions into the periodic cell on read.
	WrapPositions bool

	// CalculateUncertainty toggles the uncertainty prediction.
	CalculateUncertainty bool

	// MaskConstraints derives the feature mask from the first training
	// structure's constraints. When false every coordinate is free.
	MaskConstraints bool

	// Logger receives structured training and warning events.
	// slog.Default() when nil.
	Logger *slog.Logger
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UpdatePriorStrategy:  prior.StrategyMaximum,
		Weight:               1.0,
		Scale:                0.4,
		Noise:                0.005,
		BatchSize:            5,
		MaxTrainDataStrategy: trainset.StrategyNearestObservations,
		CalculateUncertainty: true,
		MaskConstraints:      true,
	}
}

// Validate checks the strategy names and hyperparameter signs. Unknown
// strategies are rejected here rather than at first use.
func (c Config) Validate() error {
	if c.Prior == nil && !c.UpdatePriorStrategy.Valid() {
		return fmt.Errorf("unknown prior strategy %q", c.UpdatePriorStrategy)
	}
	if !c.MaxTrainDataStrategy.Valid() {
		return fmt.Errorf("%w: %q", trainset.ErrUnsupportedStrategy, c.MaxTrainDataStrategy)
	}
	if c.Weight <= 0 || c.Scale <= 0 || c.Noise <= 0 {
		return fmt.Errorf("hyperparameters must be positive: weight=%v scale=%v noise=%v",
			c.Weight, c.Scale, c.Noise)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Bounds < 0 || c.Bounds >= 1 {
		return fmt.Errorf("bounds must lie in [0, 1), got %v", c.Bounds)
	}
	switch c.FitWeight {
	case FitWeightOff, FitWeightInit, FitWeightUpdate:
	default:
		return fmt.Errorf("unknown fit weight mode %q", c.FitWeight)
	}
	return nil
}

// Result is one prediction for a query structure.
type Result struct {
	Energy float64
	// Forces has one 3-vector per atom; coordinates excluded by the
	// mask carry zero force.
	Forces [][3]float64
	// Uncertainty is the predictive standard deviation of the energy;
	// valid only when HasUncertainty is set.
	Uncertainty    float64
	HasUncertainty bool
}

type cachedPrediction struct {
	energy       float64
	maskedForces []float64
	sigma        float64
	hasSigma     bool
}

// Calculator is the Gaussian-process surrogate for energy and force
// evaluation. It accumulates reference observations through
// AddTrainingData, lazily (re)trains when Calculate finds a pending
// batch, and predicts energy, forces and uncertainty for query
// structures.
//
// A calculator owns its training set and posterior state exclusively.
// Concurrent calls into one instance are undefined; callers wanting
// parallel exploration run independent instances.
type Calculator struct {
	cfg    Config
	logger *slog.Logger

	kernel      *kernel.SquaredExponential
	prior       *prior.Constant
	updatePrior bool
	process     *gp.GaussianProcess

	weight float64
	scale  float64
	noise  float64

	mask    atoms.Mask
	set     *trainset.Manager
	pending []*atoms.Structure
	queries []*atoms.Structure

	prevTargets [][]float64
	weightFit   bool
	ready       bool
	active      *atoms.Structure

	cache *lru.Cache[uint64, cachedPrediction]

	lastResult Result
}

// New creates a calculator. Zero numeric config fields inherit the
// defaults from DefaultConfig.
func New(cfg Config) (*Calculator, error) {
	def := DefaultConfig()
	if cfg.UpdatePriorStrategy == "" && cfg.Prior == nil {
		cfg.UpdatePriorStrategy = def.UpdatePriorStrategy
	}
	if cfg.Weight == 0 {
		cfg.Weight = def.Weight
	}
	if cfg.Scale == 0 {
		cfg.Scale = def.Scale
	}
	if cfg.Noise == 0 {
		cfg.Noise = def.Noise
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxTrainDataStrategy == "" {
		cfg.MaxTrainDataStrategy = def.MaxTrainDataStrategy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	k, err := kernel.NewSquaredExponential(cfg.Weight, cfg.Scale)
	if err != nil {
		return nil, err
	}

	p := cfg.Prior
	updatePrior := false
	if p == nil {
		p, err = prior.NewConstant(cfg.UpdatePriorStrategy)
		if err != nil {
			return nil, err
		}
		updatePrior = true
	}

	cache, err := lru.New[uint64, cachedPrediction](predictionCacheSize)
	if err != nil {
		return nil, err
	}

	return &Calculator{
		cfg:         cfg,
		logger:      logger,
		kernel:      k,
		prior:       p,
		updatePrior: updatePrior,
		process:     gp.New(k, p, cfg.Noise, logger),
		weight:      cfg.Weight,
		scale:       cfg.Scale,
		noise:       cfg.Noise,
		cache:       cache,
	}, nil
}

// AddTrainingData queues evaluated structures for ingestion on the next
// Calculate call. Structures must already carry computed energy and
// forces.
func (c *Calculator) AddTrainingData(structures ...*atoms.Structure) {
	c.pending = append(c.pending, structures...)
}

// SetQueries supplies the reference structures for distance-based
// pruning. Without them the active query structure is used.
func (c *Calculator) SetQueries(structures ...*atoms.Structure) {
	c.queries = structures
}

// Ready reports whether the calculator has a trained model.
func (c *Calculator) Ready() bool { return c.ready }

// TrainingSize is the number of observations backing the current model.
func (c *Calculator) TrainingSize() int {
	if c.set == nil {
		return 0
	}
	return c.set.Len()
}

// Hyperparams returns the current (weight, scale, noise).
func (c *Calculator) Hyperparams() (weight, scale, noise float64) {
	return c.weight, c.scale, c.noise
}

// Prior exposes the prior for inspection.
func (c *Calculator) Prior() *prior.Constant { return c.prior }

// LastResult returns the most recent prediction.
func (c *Calculator) LastResult() Result { return c.lastResult }

// Calculate predicts energy, forces and (optionally) uncertainty for a
// query structure. A pending training batch is ingested first: the
// session mask is derived on the very first batch, observations are
// extracted and pruned, and the process is retrained unless the
// assembled targets are identical to the previous training call's.
// The computed properties are attached to the structure.
func (c *Calculator) Calculate(s *atoms.Structure) (Result, error) {
	c.active = s

	if len(c.pending) > 0 {
		if err := c.train(); err != nil {
			return Result{}, err
		}
	}
	if !c.ready {
		return Result{}, ErrNoTrainingData
	}

	pos := s.Positions(c.cfg.WrapPositions)
	if len(pos) != c.mask.Coords() {
		return Result{}, fmt.Errorf("%w: structure has %d coordinates, mask expects %d",
			trainset.ErrMaskMismatch, len(pos), c.mask.Coords())
	}
	features := c.mask.Apply(pos)

	pred, err := c.predict(features)
	if err != nil {
		return Result{}, err
	}

	flat := c.mask.Scatter(pred.maskedForces)
	forces := make([][3]float64, s.NumAtoms())
	for i := range forces {
		forces[i] = [3]float64{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}

	result := Result{
		Energy:         pred.energy,
		Forces:         forces,
		Uncertainty:    pred.sigma,
		HasUncertainty: pred.hasSigma,
	}
	if err := s.SetCalculatedFlat(result.Energy, flat); err != nil {
		return Result{}, err
	}
	c.lastResult = result
	return result, nil
}

// predict evaluates the model at a masked feature vector, consulting
// the per-generation prediction cache first.
func (c *Calculator) predict(features []float64) (cachedPrediction, error) {
	key := featureKey(features)
	if hit, ok := c.cache.Get(key); ok {
		return hit, nil
	}

	mean, err := c.process.Predict(features)
	if err != nil {
		return cachedPrediction{}, err
	}
	out := cachedPrediction{energy: mean[0], maskedForces: make([]float64, len(features))}
	for i := range out.maskedForces {
		out.maskedForces[i] = -mean[1+i]
	}

	if c.cfg.CalculateUncertainty {
		sigma, clamped, err := c.process.PredictUncertainty(features)
		if err != nil {
			return cachedPrediction{}, err
		}
		if clamped {
			c.logger.Warn("uncertainty variance clamped to zero")
		}
		out.sigma = sigma
		out.hasSigma = true
	}

	c.cache.Add(key, out)
	return out, nil
}

// train drains the pending batch into the training set and rebuilds the
// posterior.
func (c *Calculator) train() error {
	if c.set == nil {
		first := c.pending[0]
		if c.cfg.MaskConstraints {
			c.mask = atoms.BuildMask(first)
		} else {
			c.mask = atoms.IdentityMask(first.NumAtoms())
		}
		c.set = trainset.NewManager(c.mask, c.cfg.WrapPositions)
	}

	if err := c.set.Add(c.pending...); err != nil {
		return err
	}
	c.pending = nil

	if c.cfg.MaxTrainData > 0 && c.set.Len() > c.cfg.MaxTrainData {
		queries := c.queries
		if len(queries) == 0 && c.active != nil {
			queries = []*atoms.Structure{c.active}
		}
		if err := c.set.Prune(c.cfg.MaxTrainData, c.cfg.MaxTrainDataStrategy, queries); err != nil {
			return err
		}
	}

	X, Y := c.set.FeaturesTargets()
	if targetsEqual(Y, c.prevTargets) {
		// Identical targets train an identical posterior; skip the
		// decomposition.
		c.ready = c.ready || c.process.Trained()
		return nil
	}

	if err := c.kernel.SetParams(c.weight, c.scale); err != nil {
		return err
	}
	if c.updatePrior {
		energies := make([]float64, len(Y))
		for i, row := range Y {
			energies[i] = row[0]
		}
		c.prior.Update(energies)
	}

	c.logger.Info("training surrogate", "observations", len(X), "features", c.mask.Len())
	if err := c.process.Train(X, Y, c.noise); err != nil {
		return err
	}

	if c.cfg.FitWeight == FitWeightUpdate || (c.cfg.FitWeight == FitWeightInit && !c.weightFit) {
		if err := c.fitWeight(X, Y); err != nil {
			return err
		}
		c.weightFit = true
	}

	if c.cfg.UpdateHyperparams && c.set.Len()%c.cfg.BatchSize == 0 {
		c.refitHyperparams(X, Y)
	}

	c.prevTargets = cloneTargets(Y)
	c.cache.Purge()
	c.ready = true
	return nil
}

// fitWeight applies the closed-form weight rescale, keeping the
// noise-to-weight ratio fixed.
func (c *Calculator) fitWeight(X, Y [][]float64) error {
	ratio := c.noise / c.weight
	if err := c.process.FitWeight(X, Y); err != nil {
		return err
	}
	c.weight, c.scale = c.kernel.Params()
	c.noise = ratio * c.weight
	return nil
}

// refitHyperparams maximizes the marginal likelihood; failure keeps the
// previous hyperparameters and is not fatal.
func (c *Calculator) refitHyperparams(X, Y [][]float64) {
	ratio := c.noise / c.weight
	if err := c.process.FitHyperparameters(X, Y, c.cfg.Bounds); err != nil {
		c.logger.Warn("hyperparameter refit skipped", "error", err)
		return
	}
	c.weight, c.scale = c.kernel.Params()
	c.noise = ratio * c.weight
}

// featureKey hashes a feature vector for the prediction cache.
func featureKey(features []float64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range features {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}

func targetsEqual(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func cloneTargets(y [][]float64) [][]float64 {
	out := make([][]float64, len(y))
	for i, row := range y {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
