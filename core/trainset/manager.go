package trainset

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/viterin/vek"

	"github.com/adalundhe/atomgp/core/atoms"
)

var (
	// ErrIncompleteObservation means a training structure lacks
	// computed energy or forces. Evaluation is a precondition of
	// ingestion, not a side effect of it.
	ErrIncompleteObservation = errors.New("structure has no computed energy and forces")

	// ErrUnsupportedStrategy means an unrecognized pruning strategy.
	ErrUnsupportedStrategy = errors.New("unsupported pruning strategy")

	// ErrMaskMismatch means a structure's coordinate count disagrees
	// with the mask the training session was started with.
	ErrMaskMismatch = errors.New("structure does not match the training mask")
)

// Strategy selects which observations survive when the training set
// exceeds its configured cap.
type Strategy string

const (
	// StrategyLastObservations keeps the most recently inserted.
	StrategyLastObservations Strategy = "last_observations"
	// StrategyLowestEnergy keeps the smallest-energy observations.
	StrategyLowestEnergy Strategy = "lowest_energy"
	// StrategyNearestObservations keeps, for each query structure, the
	// observations nearest in raw position space.
	StrategyNearestObservations Strategy = "nearest_observations"
)

// Strategies lists every recognized pruning strategy.
func Strategies() []Strategy {
	return []Strategy{StrategyLastObservations, StrategyLowestEnergy, StrategyNearestObservations}
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return slices.Contains(Strategies(), s)
}

// Observation is one (features, targets) pair together with the
// structure it came from. The structure reference is what distance
// based pruning measures against. Observations are never mutated after
// extraction.
type Observation struct {
	Structure *atoms.Structure
	// Features is the masked flattened position vector.
	Features []float64
	// Targets is the energy followed by the negated masked force
	// components, length 1+len(Features).
	Targets []float64
}

// Energy is the target energy component.
func (o Observation) Energy() float64 { return o.Targets[0] }

// Manager converts evaluated structures into masked feature and target
// vectors and maintains the accumulating observation history for one
// training session. The mask is fixed at construction and enforced for
// every structure the manager sees.
type Manager struct {
	mask         atoms.Mask
	wrap         bool
	observations []Observation
	seen         map[uuid.UUID]struct{}
}

// NewManager creates a manager over one training session's mask. wrap
// requests wrapping positions into the periodic cell on read.
func NewManager(mask atoms.Mask, wrap bool) *Manager {
	return &Manager{
		mask: mask,
		wrap: wrap,
		seen: make(map[uuid.UUID]struct{}),
	}
}

// Mask is the session's coordinate mask.
func (m *Manager) Mask() atoms.Mask { return m.mask }

// Len is the number of observations currently held.
func (m *Manager) Len() int { return len(m.observations) }

// Observations returns the held observations in insertion order.
func (m *Manager) Observations() []Observation { return m.observations }

// Extract reads positions, energy and forces from an evaluated
// structure and applies the session mask. The structure must already
// carry computed properties.
func (m *Manager) Extract(s *atoms.Structure) (Observation, error) {
	pos := s.Positions(m.wrap)
	if len(pos) != m.mask.Coords() {
		return Observation{}, fmt.Errorf("%w: structure has %d coordinates, mask expects %d",
			ErrMaskMismatch, len(pos), m.mask.Coords())
	}
	props := s.Calculated()
	if props == nil {
		return Observation{}, ErrIncompleteObservation
	}

	features := m.mask.Apply(pos)
	forces := m.mask.Apply(props.Forces)
	targets := make([]float64, 0, 1+len(features))
	targets = append(targets, props.Energy)
	for _, f := range forces {
		targets = append(targets, -f)
	}
	return Observation{Structure: s, Features: features, Targets: targets}, nil
}

// Add appends observations for every structure not already present by
// identity. Adding the same structure twice is a no-op for it.
func (m *Manager) Add(structures ...*atoms.Structure) error {
	for _, s := range structures {
		if _, ok := m.seen[s.ID()]; ok {
			continue
		}
		obs, err := m.Extract(s)
		if err != nil {
			return err
		}
		m.observations = append(m.observations, obs)
		m.seen[s.ID()] = struct{}{}
	}
	return nil
}

// FeaturesTargets assembles the training matrices in insertion order.
func (m *Manager) FeaturesTargets() (X, Y [][]float64) {
	X = make([][]float64, len(m.observations))
	Y = make([][]float64, len(m.observations))
	for i, obs := range m.observations {
		X[i] = obs.Features
		Y[i] = obs.Targets
	}
	return X, Y
}

// Prune reduces the training set to at most max observations using the
// given strategy. queries supplies the reference structures for
// nearest_observations; the caller defaults it to its active structure.
// Pruning replaces the set wholesale and never mutates observations.
func (m *Manager) Prune(max int, strategy Strategy, queries []*atoms.Structure) error {
	if !strategy.Valid() {
		return fmt.Errorf("%w: %q (implemented: %v)", ErrUnsupportedStrategy, strategy, Strategies())
	}
	if max <= 0 || len(m.observations) <= max {
		return nil
	}

	switch strategy {
	case StrategyLastObservations:
		m.replace(m.observations[len(m.observations)-max:])

	case StrategyLowestEnergy:
		idx := argsortFunc(len(m.observations), func(a, b int) bool {
			return m.observations[a].Energy() < m.observations[b].Energy()
		})
		m.selectIndices(idx[:max])

	case StrategyNearestObservations:
		keep, err := m.nearestIndices(max, queries)
		if err != nil {
			return err
		}
		m.selectIndices(keep)
	}
	return nil
}

// nearestIndices computes, for each query, the max observations nearest
// in raw (unmasked) position space, then unions and deduplicates across
// queries preserving ascending index order.
func (m *Manager) nearestIndices(max int, queries []*atoms.Structure) ([]int, error) {
	seen := make(map[int]struct{})
	var keep []int
	for _, q := range queries {
		qpos := q.Positions(m.wrap)
		dists := make([]float64, len(m.observations))
		for i, obs := range m.observations {
			opos := obs.Structure.Positions(m.wrap)
			if len(opos) != len(qpos) {
				return nil, fmt.Errorf("%w: query has %d coordinates, observation %d has %d",
					ErrMaskMismatch, len(qpos), i, len(opos))
			}
			dists[i] = vek.Distance(qpos, opos)
		}
		idx := argsortFunc(len(dists), func(a, b int) bool { return dists[a] < dists[b] })
		for _, i := range idx[:max] {
			if _, ok := seen[i]; !ok {
				seen[i] = struct{}{}
				keep = append(keep, i)
			}
		}
	}
	sort.Ints(keep)
	return keep, nil
}

// selectIndices rebuilds the set from the given observation indices.
func (m *Manager) selectIndices(idx []int) {
	kept := make([]Observation, 0, len(idx))
	for _, i := range idx {
		kept = append(kept, m.observations[i])
	}
	m.replace(kept)
}

func (m *Manager) replace(kept []Observation) {
	m.observations = kept
	m.seen = make(map[uuid.UUID]struct{}, len(kept))
	for _, obs := range kept {
		m.seen[obs.Structure.ID()] = struct{}{}
	}
}

// argsortFunc returns indices 0..n-1 ordered by less; ties keep the
// original order.
func argsortFunc(n int, less func(a, b int) bool) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return less(idx[a], idx[b]) })
	return idx
}
