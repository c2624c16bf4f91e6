package jpipserve

// slabGroup is the number of slots a slab allocates whenever its free list
// runs dry. Slots inside a group never move, so pointers handed out by
// get remain valid until the slot is returned with put.
const slabGroup = 32

// slab is a growable free-list allocator for high-churn scheduler objects
// (hole nodes and active precincts). Slots are addressed by a stable int32
// index; the zero value is an empty slab ready for use.
//
// Every slot is reset to the zero value of T when it is returned, so a
// freshly leased slot never carries state from its previous owner.
type slab[T any] struct {
	// groups holds slabGroup-sized backing arrays. Appending a new group
	// never reallocates an existing one.
	groups [][]T

	// free is a LIFO stack of released slot indices.
	free []int32

	// live counts leased slots.
	live int
}

// get leases a zeroed slot and returns its index together with a pointer
// to it.
func (s *slab[T]) get() (int32, *T) {
	if len(s.free) == 0 {
		base := int32(len(s.groups) * slabGroup)
		s.groups = append(s.groups, make([]T, slabGroup))
		for i := int32(slabGroup - 1); i >= 0; i-- {
			s.free = append(s.free, base+i)
		}
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.live++
	return idx, s.at(idx)
}

// at returns the slot stored at idx. The index must have been obtained from
// get and not yet released.
func (s *slab[T]) at(idx int32) *T {
	return &s.groups[idx/slabGroup][idx%slabGroup]
}

// put resets the slot at idx and pushes it onto the free list.
func (s *slab[T]) put(idx int32) {
	var zero T
	*s.at(idx) = zero
	s.free = append(s.free, idx)
	s.live--
}

// capacity reports the number of slots allocated so far.
func (s *slab[T]) capacity() int { return len(s.groups) * slabGroup }
