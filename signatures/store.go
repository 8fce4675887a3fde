package signatures

// Match describes a single table hit.
type Match struct {
	Table     string `json:"table"`
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
	Label     string `json:"label"`
}

// Store is an ordered list of tables. Table order is label precedence: when
// several tables hit, the earliest one supplies the reported label.
type Store struct {
	tables []*Table
}

func NewStore(tables ...*Table) *Store {
	kept := make([]*Table, 0, len(tables))
	for _, t := range tables {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &Store{tables: kept}
}

func (s *Store) Tables() []*Table {
	if s == nil {
		return nil
	}
	return s.tables
}

// Total returns the number of known signatures across all tables.
func (s *Store) Total() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, t := range s.tables {
		total += t.Len()
	}
	return total
}

// Algorithms returns the distinct digest algorithms the tables are keyed by,
// in table order.
func (s *Store) Algorithms() []string {
	if s == nil {
		return nil
	}
	algorithms := make([]string, 0, 2)
	seen := make(map[string]struct{}, len(s.tables))
	for _, t := range s.tables {
		if _, ok := seen[t.Algorithm]; ok {
			continue
		}
		seen[t.Algorithm] = struct{}{}
		algorithms = append(algorithms, t.Algorithm)
	}
	return algorithms
}

// Match returns the first hit in precedence order. digests maps algorithm
// name to hex digest; tables whose algorithm is missing are not consulted.
func (s *Store) Match(digests map[string]string) (Match, bool) {
	if s == nil {
		return Match{}, false
	}
	for _, t := range s.tables {
		if m, ok := lookupTable(t, digests); ok {
			return m, true
		}
	}
	return Match{}, false
}

// Matches returns every hit in precedence order.
func (s *Store) Matches(digests map[string]string) []Match {
	if s == nil {
		return nil
	}
	var matches []Match
	for _, t := range s.tables {
		if m, ok := lookupTable(t, digests); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

func lookupTable(t *Table, digests map[string]string) (Match, bool) {
	digest, ok := digests[t.Algorithm]
	if !ok {
		return Match{}, false
	}
	label, ok := t.Lookup(digest)
	if !ok {
		return Match{}, false
	}
	return Match{
		Table:     t.Name,
		Algorithm: t.Algorithm,
		Digest:    normalizeDigest(digest),
		Label:     label,
	}, true
}
