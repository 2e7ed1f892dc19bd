package atoms

// Mask is the ordered list of free flattened-coordinate indices for one
// training session. It is derived once from the constraints of the first
// training structure and reused for every structure in the session.
type Mask struct {
	indices []int
	coords  int // total flattened coordinate count the mask was built for
}

// BuildMask derives the coordinate mask from a structure's constraints.
// A coordinate survives only if no constraint pins it.
func BuildMask(s *Structure) Mask {
	free := make([][3]bool, s.NumAtoms())
	for i := range free {
		free[i] = [3]bool{true, true, true}
	}
	for _, c := range s.Constraints() {
		c.Restrict(free)
	}
	m := Mask{coords: 3 * s.NumAtoms()}
	for i, axes := range free {
		for j := 0; j < 3; j++ {
			if axes[j] {
				m.indices = append(m.indices, 3*i+j)
			}
		}
	}
	return m
}

// IdentityMask keeps every coordinate of an natoms structure.
func IdentityMask(natoms int) Mask {
	m := Mask{coords: 3 * natoms, indices: make([]int, 3*natoms)}
	for i := range m.indices {
		m.indices[i] = i
	}
	return m
}

// Len is the number of free coordinates.
func (m Mask) Len() int { return len(m.indices) }

// Coords is the flattened coordinate count the mask expects.
func (m Mask) Coords() int { return m.coords }

// Apply gathers the free coordinates out of a flattened vector.
func (m Mask) Apply(flat []float64) []float64 {
	out := make([]float64, len(m.indices))
	for i, idx := range m.indices {
		out[i] = flat[idx]
	}
	return out
}

// Scatter places masked values back into a zeroed full-length vector.
// Pinned coordinates stay zero.
func (m Mask) Scatter(values []float64) []float64 {
	out := make([]float64, m.coords)
	for i, idx := range m.indices {
		out[idx] = values[i]
	}
	return out
}
