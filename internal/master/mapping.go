// Package master maintains the learned keyword to category dictionary used
// to suggest a transaction's sub-category from its merchant text.
package master

import (
	"strings"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/textnorm"
)

// Entry is one keyword to category mapping.
type Entry struct {
	Keyword  string `json:"keyword"`
	Category string `json:"category"`
}

// Mapping is an insertion-ordered keyword to category dictionary.
type Mapping struct {
	entries []Entry
	index   map[string]int
}

// NewMapping builds a mapping from entries. A repeated keyword keeps its
// first category.
func NewMapping(entries ...Entry) *Mapping {
	m := &Mapping{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		m.add(e)
	}
	return m
}

func (m *Mapping) add(e Entry) bool {
	e.Keyword = strings.TrimSpace(e.Keyword)
	e.Category = strings.TrimSpace(e.Category)
	if e.Keyword == "" || e.Category == "" {
		return false
	}
	if _, ok := m.index[e.Keyword]; ok {
		return false
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.index[e.Keyword] = len(m.entries)
	m.entries = append(m.entries, e)
	return true
}

// Len returns the number of keywords.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Get returns the category of keyword.
func (m *Mapping) Get(keyword string) (string, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.index[keyword]
	if !ok {
		return "", false
	}
	return m.entries[i].Category, true
}

// Has reports whether keyword is present.
func (m *Mapping) Has(keyword string) bool {
	_, ok := m.Get(keyword)
	return ok
}

// Entries returns a copy of the entries in insertion order.
func (m *Mapping) Entries() []Entry {
	if m == nil {
		return nil
	}
	return append([]Entry(nil), m.entries...)
}

// Clone returns an independent copy.
func (m *Mapping) Clone() *Mapping {
	return NewMapping(m.Entries()...)
}

// Suggest returns the category of the first keyword, in insertion order,
// whose normalized form is contained in the normalized store name.
// Matching is case-sensitive. Empty store names and misses yield
// domain.Uncategorized.
func Suggest(store string, m *Mapping) string {
	s := textnorm.Normalize(store)
	if s == "" || m == nil {
		return domain.Uncategorized
	}
	for _, e := range m.entries {
		kw := textnorm.Normalize(e.Keyword)
		if kw != "" && strings.Contains(s, kw) {
			return e.Category
		}
	}
	return domain.Uncategorized
}

// Candidates returns the store to category pairs from records worth
// learning: the store is not yet a keyword and the category is a real
// classification. Order follows records, first occurrence wins.
func Candidates(records []domain.Transaction, m *Mapping) []Entry {
	seen := make(map[string]struct{})
	var out []Entry
	for _, tx := range records {
		store := strings.TrimSpace(tx.Store)
		if store == "" || domain.IsDefaultCategory(tx.Category2) || m.Has(store) {
			continue
		}
		if _, ok := seen[store]; ok {
			continue
		}
		seen[store] = struct{}{}
		out = append(out, Entry{Keyword: store, Category: strings.TrimSpace(tx.Category2)})
	}
	return out
}
