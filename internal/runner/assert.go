package runner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrAssertion matches every *AssertionError.
var ErrAssertion = errors.New("assertion failed")

// AssertionError is a scenario-level check that did not hold.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Message
}

func (e *AssertionError) Is(target error) bool { return target == ErrAssertion }

// Assertf returns an *AssertionError when cond is false.
func Assertf(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return &AssertionError{Message: fmt.Sprintf(format, args...)}
}

// IndexSet records which alternatives of a repeated expect have been seen.
// The zero value is ready to use.
type IndexSet struct {
	seen  map[int]int
	order []int
}

// NewIndexSet returns an empty set.
func NewIndexSet() *IndexSet {
	return &IndexSet{seen: map[int]int{}}
}

// Add records index and fails if it was already seen.
func (s *IndexSet) Add(index int) error {
	if s.seen == nil {
		s.seen = map[int]int{}
	}
	s.seen[index]++
	s.order = append(s.order, index)
	if s.seen[index] > 1 {
		return &AssertionError{Message: fmt.Sprintf("alternative %d seen %d times", index, s.seen[index])}
	}
	return nil
}

// Contains reports whether index was seen.
func (s *IndexSet) Contains(index int) bool {
	return s.seen[index] > 0
}

// Order returns indices in the order they were added.
func (s *IndexSet) Order() []int {
	return append([]int(nil), s.order...)
}

// Missing returns the indices in [0, alternatives) never seen.
func (s *IndexSet) Missing(alternatives int) []int {
	var missing []int
	for i := 0; i < alternatives; i++ {
		if s.seen[i] == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// SeenOnce checks that indices names every alternative in [0, alternatives)
// exactly once, in any order.
func SeenOnce(indices []int, alternatives int) error {
	set := NewIndexSet()
	var duplicates []string
	for _, index := range indices {
		if index < 0 || index >= alternatives {
			return &AssertionError{Message: fmt.Sprintf("alternative %d out of range [0,%d)", index, alternatives)}
		}
		if err := set.Add(index); err != nil && set.seen[index] == 2 {
			duplicates = append(duplicates, fmt.Sprint(index))
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return &AssertionError{Message: fmt.Sprintf("alternatives seen more than once: %s (order %v)", strings.Join(duplicates, ", "), set.Order())}
	}
	if missing := set.Missing(alternatives); len(missing) > 0 {
		return &AssertionError{Message: fmt.Sprintf("alternatives never seen: %v", missing)}
	}
	return nil
}
