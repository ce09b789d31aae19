package artgate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryOther is the fallback classification when nothing matches.
const CategoryOther = "Other"

// CategorySet maps declared category names and free-text keywords to the
// canonical category labels used in candidate paths.
type CategorySet struct {
	categories []string
	index      map[string]string
	aliases    map[string]string
	aliasOrder []string
}

type categoryRulesFile struct {
	Categories []string          `yaml:"categories"`
	Aliases    map[string]string `yaml:"aliases"`
}

// DefaultCategorySet returns the built-in art categories and keyword aliases.
func DefaultCategorySet() *CategorySet {
	set, err := NewCategorySet(
		[]string{"Characters", "Weapons", "Environments", "Ui", "Effects", "Audio", "Textures"},
		map[string]string{
			"character":   "Characters",
			"weapon":      "Weapons",
			"environment": "Environments",
			"ui":          "Ui",
			"effect":      "Effects",
			"audio":       "Audio",
			"texture":     "Textures",
		},
	)
	if err != nil {
		panic(err)
	}
	return set
}

func NewCategorySet(categories []string, aliases map[string]string) (*CategorySet, error) {
	set := &CategorySet{
		index:   map[string]string{},
		aliases: map[string]string{},
	}
	for _, category := range categories {
		category = strings.TrimSpace(category)
		if category == "" {
			return nil, fmt.Errorf("%w: empty category name", ErrInvalidInput)
		}
		if strings.ContainsAny(category, "/\\") {
			return nil, fmt.Errorf("%w: category %q contains a path separator", ErrInvalidInput, category)
		}
		key := strings.ToLower(category)
		if _, exists := set.index[key]; exists {
			continue
		}
		set.index[key] = category
		set.categories = append(set.categories, category)
	}
	if _, exists := set.index[strings.ToLower(CategoryOther)]; !exists {
		set.index[strings.ToLower(CategoryOther)] = CategoryOther
		set.categories = append(set.categories, CategoryOther)
	}
	for alias, target := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" {
			return nil, fmt.Errorf("%w: empty category alias", ErrInvalidInput)
		}
		canonical, ok := set.index[strings.ToLower(strings.TrimSpace(target))]
		if !ok {
			return nil, fmt.Errorf("%w: alias %q targets unknown category %q", ErrInvalidInput, alias, target)
		}
		set.aliases[alias] = canonical
	}
	set.aliasOrder = make([]string, 0, len(set.aliases))
	for alias := range set.aliases {
		set.aliasOrder = append(set.aliasOrder, alias)
	}
	// Longer keywords first so "texture" beats "ui" inside the same text.
	sort.Slice(set.aliasOrder, func(i, j int) bool {
		if len(set.aliasOrder[i]) != len(set.aliasOrder[j]) {
			return len(set.aliasOrder[i]) > len(set.aliasOrder[j])
		}
		return set.aliasOrder[i] < set.aliasOrder[j]
	})
	return set, nil
}

// LoadCategoryRules reads a YAML rules file with top-level "categories" and
// "aliases" keys.
func LoadCategoryRules(path string) (*CategorySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules categoryRulesFile
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parse category rules: %w", err)
	}
	if len(rules.Categories) == 0 {
		return nil, fmt.Errorf("%w: category rules define no categories", ErrInvalidInput)
	}
	return NewCategorySet(rules.Categories, rules.Aliases)
}

// Normalize resolves a declared category to its canonical label, falling back
// to Other for unknown or empty input.
func (s *CategorySet) Normalize(declared string) string {
	key := strings.ToLower(strings.TrimSpace(declared))
	if key == "" {
		return CategoryOther
	}
	if canonical, ok := s.index[key]; ok {
		return canonical
	}
	if canonical, ok := s.aliases[key]; ok {
		return canonical
	}
	return CategoryOther
}

// Infer classifies free text by keyword containment, the way the submission
// message is scanned when no category was declared.
func (s *CategorySet) Infer(text string) string {
	lowered := strings.ToLower(text)
	for _, alias := range s.aliasOrder {
		if strings.Contains(lowered, alias) {
			return s.aliases[alias]
		}
	}
	for _, category := range s.categories {
		if category == CategoryOther {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(category)) {
			return category
		}
	}
	return CategoryOther
}

// Categories returns the canonical labels in declaration order.
func (s *CategorySet) Categories() []string {
	return append([]string(nil), s.categories...)
}
