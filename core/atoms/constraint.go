package atoms

// Constraint restricts the motion of atoms in a structure.
//
// Each variant declares how it restricts motion through Restrict, which
// may only clear freedom flags, never set them. Composition of multiple
// constraints is therefore most-restrictive-wins per coordinate.
type Constraint interface {
	// Restrict clears the freedom flag of every coordinate the
	// constraint pins. free has one [3]bool entry per atom; out of
	// range atom indices are ignored.
	Restrict(free [][3]bool)
}

// FixAtoms pins whole atoms by index: all three coordinates of every
// listed atom are excluded from the feature space.
type FixAtoms struct {
	Indices []int
}

func (c FixAtoms) Restrict(free [][3]bool) {
	for _, i := range c.Indices {
		if i < 0 || i >= len(free) {
			continue
		}
		free[i] = [3]bool{}
	}
}

// FixCartesian pins selected Cartesian axes of a single atom. Axes with
// Fixed true are excluded; the others stay free unless another
// constraint pins them.
type FixCartesian struct {
	Index int
	Fixed [3]bool
}

func (c FixCartesian) Restrict(free [][3]bool) {
	if c.Index < 0 || c.Index >= len(free) {
		return
	}
	for j := 0; j < 3; j++ {
		if c.Fixed[j] {
			free[c.Index][j] = false
		}
	}
}
