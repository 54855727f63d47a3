package pipeline

import (
	"fmt"
	"strings"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/textnorm"
)

// CategoryValidator checks category_2 values proposed by the classifier
// against the household's vocabulary.
type CategoryValidator struct {
	categories map[string]string // normalized -> canonical
}

// NewCategoryValidator builds a validator from the configured categories
// plus every category already used in the master.
func NewCategoryValidator(configured []string, m *master.Mapping) *CategoryValidator {
	v := &CategoryValidator{categories: make(map[string]string)}
	for _, c := range configured {
		v.add(c)
	}
	for _, e := range m.Entries() {
		v.add(e.Category)
	}
	v.add(domain.Other)
	return v
}

func (v *CategoryValidator) add(c string) {
	c = strings.TrimSpace(c)
	if c == "" {
		return
	}
	key := normalizeCategory(c)
	if _, ok := v.categories[key]; !ok {
		v.categories[key] = c
	}
}

// Canonical returns the vocabulary spelling of category.
func (v *CategoryValidator) Canonical(category string) (string, error) {
	if v == nil {
		return strings.TrimSpace(category), nil
	}
	c, ok := v.categories[normalizeCategory(category)]
	if !ok {
		return "", fmt.Errorf("invalid category: %q", category)
	}
	return c, nil
}

// Categories returns the known categories.
func (v *CategoryValidator) Categories() []string {
	out := make([]string, 0, len(v.categories))
	for _, c := range v.categories {
		out = append(out, c)
	}
	return out
}

// normalizeCategory folds width variants and whitespace for comparison.
func normalizeCategory(name string) string {
	return textnorm.Normalize(name)
}
