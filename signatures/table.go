package signatures

import (
	"slices"
	"strings"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// Tables at or above this size get a membership prefilter in front of the map.
const filterMinEntries = 4096

// Table maps lowercase hex digests of one algorithm to a label. A Table is
// immutable after construction and safe for concurrent lookups.
type Table struct {
	Name      string
	Algorithm string

	entries map[string]string
	filter  *xorfilter.BinaryFuse8
}

// NewTable builds a sealed table from digest -> label pairs. Keys are
// normalized to lowercase hex.
func NewTable(name, algorithm string, entries map[string]string) *Table {
	t := newTable(name, algorithm, len(entries))
	for digest, label := range entries {
		t.add(digest, label)
	}
	t.seal()
	return t
}

func newTable(name, algorithm string, sizeHint int) *Table {
	return &Table{
		Name:      name,
		Algorithm: strings.ToLower(algorithm),
		entries:   make(map[string]string, sizeHint),
	}
}

func (t *Table) add(digest, label string) bool {
	key := normalizeDigest(digest)
	if key == "" {
		return false
	}
	t.entries[key] = label
	return true
}

// seal builds the prefilter. A failed build leaves the table unfiltered,
// which only costs speed.
func (t *Table) seal() {
	if len(t.entries) < filterMinEntries {
		return
	}
	keys := make([]uint64, 0, len(t.entries))
	for digest := range t.entries {
		keys = append(keys, xxhash.Sum64String(digest))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	filter, err := xorfilter.PopulateBinaryFuse8(keys)
	if err != nil {
		return
	}
	t.filter = filter
}

// Len returns the number of signatures in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Filtered reports whether lookups go through the prefilter.
func (t *Table) Filtered() bool {
	return t != nil && t.filter != nil
}

// Lookup returns the label stored for digest. The query is normalized the
// same way keys are on insertion.
func (t *Table) Lookup(digest string) (string, bool) {
	if t == nil || len(t.entries) == 0 {
		return "", false
	}
	key := normalizeDigest(digest)
	if key == "" {
		return "", false
	}
	if t.filter != nil && !t.filter.Contains(xxhash.Sum64String(key)) {
		return "", false
	}
	label, ok := t.entries[key]
	return label, ok
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}
