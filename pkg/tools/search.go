package tools

import (
	"sort"
	"strings"
)

// ScoredTool pairs a tool with its relevance score for one query.
type ScoredTool struct {
	Tool  *Tool
	Score int
}

// Relevance scoring weights. Name matches dominate, then description token
// overlap, then category, with a small bonus for a proven success history.
const (
	scoreNameExact     = 100
	scoreNameSubstring = 50
	scoreDescToken     = 10
	scoreCategoryMatch = 25
	scoreSuccessBonus  = 15

	successBonusRate = 0.9
	successBonusMin  = 5
)

// Search ranks registered tools against a free-text query and returns the
// top limit entries by descending score. Tools that score zero are omitted;
// callers should rely on this ranking rather than name order.
func (r *Registry) Search(query string, limit int) []ScoredTool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	queryTokens := tokenize(query)

	r.mu.RLock()
	candidates := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		candidates = append(candidates, tool)
	}
	r.mu.RUnlock()

	var scored []ScoredTool
	for _, tool := range candidates {
		score := r.score(tool, query, queryTokens)
		if score > 0 {
			scored = append(scored, ScoredTool{Tool: tool, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Tool.Name < scored[j].Tool.Name
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func (r *Registry) score(tool *Tool, query string, queryTokens []string) int {
	score := 0
	name := strings.ToLower(tool.Name)

	switch {
	case name == query:
		score += scoreNameExact
	case strings.Contains(name, query) || strings.Contains(query, name):
		score += scoreNameSubstring
	}

	descTokens := tokenize(strings.ToLower(tool.Description))
	for _, qt := range queryTokens {
		for _, dt := range descTokens {
			if qt == dt {
				score += scoreDescToken
				break
			}
		}
	}

	if tool.Category != "" && strings.Contains(query, strings.ToLower(tool.Category)) {
		score += scoreCategoryMatch
	}

	if rate, total := r.metrics.successRate(tool.Name); total >= successBonusMin && rate >= successBonusRate {
		score += scoreSuccessBonus
	}
	return score
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}
