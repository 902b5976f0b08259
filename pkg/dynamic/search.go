package dynamic

import (
	"sort"
	"strings"
)

// SearchCriteria filters and pages the dynamic tool catalog. Zero-value
// fields do not filter.
type SearchCriteria struct {
	Query    string         // substring of id, name, or description
	Category string
	Status   LifecycleState
	Author   string
	Keywords []string // all must be present
	Enabled  *bool

	SortBy string // "name" (default), "updated", "created"
	Offset int
	Limit  int // <= 0 means no limit
}

// SearchResult is one page of matching tools.
type SearchResult struct {
	Items  []*ToolMetadata `json:"items"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// Search filters the catalog by criteria and returns one page of results.
// Total counts all matches before paging.
func (r *Registry) Search(c SearchCriteria) SearchResult {
	r.mu.RLock()
	matched := make([]*ToolMetadata, 0, len(r.meta))
	for _, m := range r.meta {
		if matches(m, c) {
			matched = append(matched, m.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		switch c.SortBy {
		case "updated":
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		case "created":
			return matched[i].InstalledAt.After(matched[j].InstalledAt)
		default:
			return matched[i].ID < matched[j].ID
		}
	})

	total := len(matched)
	start := c.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if c.Limit > 0 && start+c.Limit < end {
		end = start + c.Limit
	}

	return SearchResult{
		Items:  matched[start:end],
		Total:  total,
		Offset: c.Offset,
		Limit:  c.Limit,
	}
}

func matches(m *ToolMetadata, c SearchCriteria) bool {
	if c.Query != "" {
		q := strings.ToLower(c.Query)
		if !strings.Contains(strings.ToLower(m.ID), q) &&
			!strings.Contains(strings.ToLower(m.Tool.Name), q) &&
			!strings.Contains(strings.ToLower(m.Tool.Description), q) {
			return false
		}
	}
	if c.Category != "" && m.Tool.Category != c.Category {
		return false
	}
	if c.Status != "" && m.Status != c.Status {
		return false
	}
	if c.Author != "" && !strings.EqualFold(m.Author, c.Author) {
		return false
	}
	if c.Enabled != nil && m.Enabled != *c.Enabled {
		return false
	}
	for _, want := range c.Keywords {
		if !hasKeyword(m.Keywords, want) {
			return false
		}
	}
	return true
}

func hasKeyword(keywords []string, want string) bool {
	for _, k := range keywords {
		if strings.EqualFold(k, want) {
			return true
		}
	}
	return false
}
