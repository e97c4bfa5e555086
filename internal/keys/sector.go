package keys

// Sector selects the propagator slots that participate in prefactors and
// in the Feynman parametrization. The zero value selects every slot.
type Sector struct {
	Mask       uint64
	Designated bool
}

// TopSector restricts to the slots set in mask.
func TopSector(mask uint64) Sector {
	return Sector{Mask: mask, Designated: true}
}

// Includes reports whether slot i participates.
func (s Sector) Includes(i int) bool {
	return !s.Designated || s.Mask&(1<<uint(i)) != 0
}

// Slots returns the participating slots among the first n.
func (s Sector) Slots(n int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if s.Includes(i) {
			out = append(out, i)
		}
	}
	return out
}
