package atoms

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

var ErrForcesShape = errors.New("forces shape does not match atom count")

// Properties holds the evaluated reference data attached to a structure.
// Energy and forces must originate from the same evaluation.
type Properties struct {
	Energy float64
	// Forces is flattened row-major, length 3*natoms.
	Forces []float64
}

// Structure is an atomic configuration: positions, an optional periodic
// cell, motion constraints, and (once evaluated) its reference properties.
//
// Each structure carries a unique identity assigned at construction. The
// training set uses it to recognize structures it has already ingested.
type Structure struct {
	id          uuid.UUID
	natoms      int
	positions   []float64 // flattened row-major, length 3*natoms
	cell        *[3][3]float64
	pbc         [3]bool
	constraints []Constraint
	props       *Properties
}

// New creates a structure from per-atom positions.
func New(positions [][3]float64) *Structure {
	flat := make([]float64, 0, 3*len(positions))
	for _, p := range positions {
		flat = append(flat, p[0], p[1], p[2])
	}
	return &Structure{
		id:        uuid.New(),
		natoms:    len(positions),
		positions: flat,
	}
}

func (s *Structure) ID() uuid.UUID { return s.id }

func (s *Structure) NumAtoms() int { return s.natoms }

// SetCell sets the periodic cell (rows are lattice vectors) and which
// axes are periodic. Wrapping only applies along periodic axes.
func (s *Structure) SetCell(cell [3][3]float64, pbc [3]bool) {
	c := cell
	s.cell = &c
	s.pbc = pbc
}

// AddConstraint attaches a motion constraint. Constraints compose with
// most-restrictive-wins semantics when the coordinate mask is built.
func (s *Structure) AddConstraint(c Constraint) {
	s.constraints = append(s.constraints, c)
}

func (s *Structure) Constraints() []Constraint { return s.constraints }

// Positions returns a flattened copy of the atomic positions. When wrap
// is true and a cell is present, positions are wrapped into the periodic
// cell along each periodic axis.
func (s *Structure) Positions(wrap bool) []float64 {
	out := make([]float64, len(s.positions))
	copy(out, s.positions)
	if !wrap || s.cell == nil {
		return out
	}
	s.wrapInto(out)
	return out
}

// SetPositions replaces the atomic positions. The atom count is fixed at
// construction.
func (s *Structure) SetPositions(positions [][3]float64) error {
	if len(positions) != s.natoms {
		return fmt.Errorf("expected %d atoms, got %d", s.natoms, len(positions))
	}
	s.positions = s.positions[:0]
	for _, p := range positions {
		s.positions = append(s.positions, p[0], p[1], p[2])
	}
	s.props = nil
	return nil
}

// SetCalculated attaches evaluated energy and forces. Forces are given
// per atom and stored flattened.
func (s *Structure) SetCalculated(energy float64, forces [][3]float64) error {
	if len(forces) != s.natoms {
		return fmt.Errorf("%w: %d force rows for %d atoms", ErrForcesShape, len(forces), s.natoms)
	}
	flat := make([]float64, 0, 3*len(forces))
	for _, f := range forces {
		flat = append(flat, f[0], f[1], f[2])
	}
	s.props = &Properties{Energy: energy, Forces: flat}
	return nil
}

// SetCalculatedFlat is SetCalculated for already-flattened forces.
func (s *Structure) SetCalculatedFlat(energy float64, forces []float64) error {
	if len(forces) != 3*s.natoms {
		return fmt.Errorf("%w: %d force components for %d atoms", ErrForcesShape, len(forces), s.natoms)
	}
	flat := make([]float64, len(forces))
	copy(flat, forces)
	s.props = &Properties{Energy: energy, Forces: flat}
	return nil
}

// Calculated reports the attached properties, or nil when the structure
// has not been evaluated.
func (s *Structure) Calculated() *Properties { return s.props }

// wrapInto maps each periodic fractional coordinate into [0, 1).
func (s *Structure) wrapInto(flat []float64) {
	cell := mat.NewDense(3, 3, []float64{
		s.cell[0][0], s.cell[0][1], s.cell[0][2],
		s.cell[1][0], s.cell[1][1], s.cell[1][2],
		s.cell[2][0], s.cell[2][1], s.cell[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(cell); err != nil {
		// Degenerate cell: leave positions untouched.
		return
	}
	frac := make([]float64, 3)
	for a := 0; a < s.natoms; a++ {
		r := flat[3*a : 3*a+3]
		for j := 0; j < 3; j++ {
			frac[j] = r[0]*inv.At(0, j) + r[1]*inv.At(1, j) + r[2]*inv.At(2, j)
			if s.pbc[j] {
				frac[j] -= math.Floor(frac[j])
			}
		}
		for j := 0; j < 3; j++ {
			r[j] = frac[0]*s.cell[0][j] + frac[1]*s.cell[1][j] + frac[2]*s.cell[2][j]
		}
	}
}
