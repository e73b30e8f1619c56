package catalog

import (
	"sort"
	"strings"
)

// Catalog resolves drug names to reference records.
// A miss is not an error; callers decide how to treat unknown drugs.
type Catalog interface {
	Lookup(name string) (DrugRecord, bool)
}

// Compile-time check to ensure Memory implements Catalog
var _ Catalog = (*Memory)(nil)

// Memory is an immutable in-memory catalog keyed by drug name.
// It is built once and shared read-only, so concurrent lookups need no locking.
type Memory struct {
	records map[string]DrugRecord
	names   []string
}

// New builds a catalog from records. Names are trimmed but otherwise kept
// as stored; when a name repeats, the first record wins.
func New(records []DrugRecord) *Memory {
	m := &Memory{
		records: make(map[string]DrugRecord, len(records)),
		names:   make([]string, 0, len(records)),
	}
	for _, r := range records {
		name := strings.TrimSpace(r.DrugName)
		if _, exists := m.records[name]; exists {
			continue
		}
		r.DrugName = name
		m.records[name] = r
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m
}

// Lookup finds a drug by exact name after trimming whitespace.
func (m *Memory) Lookup(name string) (DrugRecord, bool) {
	r, ok := m.records[strings.TrimSpace(name)]
	return r, ok
}

// Len returns the number of distinct drugs.
func (m *Memory) Len() int { return len(m.records) }

// Names returns all drug names in sorted order.
func (m *Memory) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}
