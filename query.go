package models

import "strings"

// Filter selects catalog models. Zero-valued fields do not filter.
type Filter struct {
	// Text is matched case-insensitively against id, name, description and tags.
	Text string `json:"text,omitempty"`

	// Category must equal one of the model's categories, ignoring case.
	Category string `json:"category,omitempty"`

	// Language must equal one of the model's languages, ignoring case.
	Language string `json:"language,omitempty"`

	// MinRating keeps models rated at least this value.
	MinRating *float64 `json:"min_rating,omitempty"`

	// MinSizeGB and MaxSizeGB are inclusive size bounds.
	MinSizeGB *float64 `json:"min_size_gb,omitempty"`
	MaxSizeGB *float64 `json:"max_size_gb,omitempty"`
}

// Query applies the filter stages in a fixed order: text, category,
// language, rating, size. Each stage narrows the previous result.
func Query(doc *CatalogDocument, f Filter) []ModelMetadata {
	if doc == nil {
		return nil
	}
	result := Search(doc.Models, f.Text)
	if strings.TrimSpace(f.Category) != "" {
		result = FilterByCategory(result, f.Category)
	}
	if strings.TrimSpace(f.Language) != "" {
		result = FilterByLanguage(result, f.Language)
	}
	if f.MinRating != nil {
		result = FilterByRating(result, *f.MinRating)
	}
	if f.MinSizeGB != nil || f.MaxSizeGB != nil {
		result = FilterBySize(result, f.MinSizeGB, f.MaxSizeGB)
	}
	return result
}

// Search returns models whose id, name, description or tags contain query,
// ignoring case. A blank query returns all models in their original order.
func Search(models []ModelMetadata, query string) []ModelMetadata {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]ModelMetadata(nil), models...)
	}
	return filterModels(models, func(m ModelMetadata) bool {
		haystack := strings.ToLower(strings.Join([]string{
			m.ID, m.Name, m.Description, strings.Join(m.Tags, " "),
		}, " "))
		return strings.Contains(haystack, q)
	})
}

// FilterByCategory keeps models listing category, ignoring case.
func FilterByCategory(models []ModelMetadata, category string) []ModelMetadata {
	return filterModels(models, func(m ModelMetadata) bool {
		return containsFold(m.Categories, category)
	})
}

// FilterByLanguage keeps models listing language, ignoring case.
func FilterByLanguage(models []ModelMetadata, language string) []ModelMetadata {
	return filterModels(models, func(m ModelMetadata) bool {
		return containsFold(m.Languages, language)
	})
}

// FilterByRating keeps models with rating >= minRating.
func FilterByRating(models []ModelMetadata, minRating float64) []ModelMetadata {
	return filterModels(models, func(m ModelMetadata) bool {
		return m.Rating >= minRating
	})
}

// FilterBySize keeps models within the inclusive bounds. Nil bounds are open.
func FilterBySize(models []ModelMetadata, minGB, maxGB *float64) []ModelMetadata {
	return filterModels(models, func(m ModelMetadata) bool {
		if minGB != nil && m.SizeGB < *minGB {
			return false
		}
		if maxGB != nil && m.SizeGB > *maxGB {
			return false
		}
		return true
	})
}

// FindModel returns the model with the given id.
func FindModel(models []ModelMetadata, id string) (ModelMetadata, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelMetadata{}, false
}

func filterModels(models []ModelMetadata, keep func(ModelMetadata) bool) []ModelMetadata {
	out := make([]ModelMetadata, 0, len(models))
	for _, m := range models {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func containsFold(values []string, want string) bool {
	want = strings.TrimSpace(want)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
