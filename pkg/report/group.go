package report

import (
	"strings"

	"lemmacheck/pkg/domain"
)

// CategoryGroup holds the non-important problems of one category in their
// original relative order.
type CategoryGroup struct {
	Category string
	Problems []domain.Problem
}

// Grouping is the section layout of a report.
type Grouping struct {
	Important  []domain.Problem
	Categories []CategoryGroup
}

// Empty reports whether the grouping holds no problems.
func (g Grouping) Empty() bool {
	return len(g.Important) == 0 && len(g.Categories) == 0
}

// Group stably partitions problems by the important flag and groups the rest
// by category in first-seen order. A blank category falls back to
// domain.DefaultCategory.
func Group(problems []domain.Problem) Grouping {
	var g Grouping
	index := make(map[string]int)
	for _, p := range problems {
		if p.Important {
			g.Important = append(g.Important, p)
			continue
		}
		category := strings.TrimSpace(p.Category)
		if category == "" {
			category = domain.DefaultCategory
		}
		i, ok := index[category]
		if !ok {
			i = len(g.Categories)
			index[category] = i
			g.Categories = append(g.Categories, CategoryGroup{Category: category})
		}
		g.Categories[i].Problems = append(g.Categories[i].Problems, p)
	}
	return g
}
