package pattern

// Result locates a match inside the region handed to Searcher.Search.
type Result struct {
	Index int
	Start int
	End   int
}

// Searcher runs one expectation against a growing region. It remembers, per
// pattern, the offset below which no match can start, so repeated searches over
// an extended region only examine new bytes.
//
// The region passed to Search must only ever grow at the end between calls.
type Searcher struct {
	patterns  []Pattern
	frontiers []int
	scanned   int
}

// NewSearcher returns a Searcher for the given alternatives, in declaration order.
func NewSearcher(patterns []Pattern) (*Searcher, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}
	copied := make([]Pattern, len(patterns))
	copy(copied, patterns)
	return &Searcher{
		patterns:  copied,
		frontiers: make([]int, len(patterns)),
	}, nil
}

// Patterns returns the alternatives in declaration order.
func (s *Searcher) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Scanned returns how many bytes of the region the last Search examined.
func (s *Searcher) Scanned() int {
	return s.scanned
}

// Search returns the match whose start is earliest in region. Ties at the same
// start go to the pattern declared first.
func (s *Searcher) Search(region []byte) (Result, bool) {
	best := Result{Index: -1}
	for i, p := range s.patterns {
		start, end, ok := p.find(region, s.frontiers[i])
		if !ok {
			continue
		}
		if best.Index < 0 || start < best.Start {
			best = Result{Index: i, Start: start, End: end}
		}
	}
	s.scanned = len(region)
	if best.Index >= 0 {
		return best, true
	}

	for i, p := range s.patterns {
		s.frontiers[i] = p.frontier(region, s.frontiers[i])
	}
	return Result{}, false
}

// Frontier returns the lowest offset a match of pattern i may still start at.
func (s *Searcher) Frontier(i int) int {
	if i < 0 || i >= len(s.frontiers) {
		return 0
	}
	return s.frontiers[i]
}
