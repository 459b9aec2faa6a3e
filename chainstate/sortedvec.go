package chainstate

import "sort"

// Indexed is implemented by any value stored in a SortedVec.
type Indexed interface {
	Idx() uint32
}

// SortedVec is a slice of Indexed values kept strictly sorted by Idx with
// no duplicate indices, matching the invariant original_source's
// `primitives/sorted_vec.rs` enforces on the deposits and operator tables
//. Binary search keeps lookup and insert O(log n)
// comparisons (insert itself is still O(n) due to the slice shift, same as
// the Rust Vec-backed original).
type SortedVec[T Indexed] struct {
	items []T
}

// NewSortedVec creates an empty SortedVec.
func NewSortedVec[T Indexed]() *SortedVec[T] {
	return &SortedVec[T]{}
}

// Len returns the number of stored items.
func (s *SortedVec[T]) Len() int { return len(s.items) }

// All returns the items in ascending index order. The returned slice must
// not be mutated by the caller.
func (s *SortedVec[T]) All() []T { return s.items }

func (s *SortedVec[T]) search(idx uint32) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Idx() >= idx })
	if i < len(s.items) && s.items[i].Idx() == idx {
		return i, true
	}
	return i, false
}

// Get returns the item with the given index, if present.
func (s *SortedVec[T]) Get(idx uint32) (T, bool) {
	i, ok := s.search(idx)
	if !ok {
		var zero T
		return zero, false
	}
	return s.items[i], true
}

// Insert adds a new item. It fails if an item with the same index already
// exists, preserving the "no duplicate index" invariant.
func (s *SortedVec[T]) Insert(item T) bool {
	i, ok := s.search(item.Idx())
	if ok {
		return false
	}
	s.items = append(s.items, item)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item
	return true
}

// Update replaces the item at idx in place, failing if it doesn't exist.
func (s *SortedVec[T]) Update(idx uint32, item T) bool {
	i, ok := s.search(idx)
	if !ok {
		return false
	}
	s.items[i] = item
	return true
}

// Remove deletes the item with the given index, if present.
func (s *SortedVec[T]) Remove(idx uint32) bool {
	i, ok := s.search(idx)
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// MaxIdx returns the highest stored index and true, or (0, false) if empty.
func (s *SortedVec[T]) MaxIdx() (uint32, bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[len(s.items)-1].Idx(), true
}

// Clone returns a deep-enough copy (new backing array, same element
// values) suitable for the CSM's shared-readable snapshot semantics.
func (s *SortedVec[T]) Clone() *SortedVec[T] {
	out := &SortedVec[T]{items: make([]T, len(s.items))}
	copy(out.items, s.items)
	return out
}
