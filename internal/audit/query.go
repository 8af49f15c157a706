package audit

import (
	"sort"
	"time"
)

// Filter narrows a query. Empty fields match everything.
type Filter struct {
	Category      Category
	Types         []string
	Source        string
	RuleID        string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Offset        int
	Limit         int // default 100
}

// QueryResult is a page of matching entries.
type QueryResult struct {
	Entries     []Entry `json:"entries"`
	TotalCount  int     `json:"totalCount"`
	QueryTimeMs float64 `json:"queryTimeMs"`
	HasMore     bool    `json:"hasMore"`
}

// Query picks the most selective index (correlation id, then rule id, then
// source, then single type, then category, then a full scan), applies the
// remaining filters, sorts ascending by timestamp, and paginates.
func (l *Log) Query(f Filter) QueryResult {
	start := time.Now()

	l.mu.RLock()
	candidates := l.candidateIDsLocked(f)
	matched := make([]Entry, 0, len(candidates))
	for _, id := range candidates {
		entry, ok := l.entries[id]
		if !ok {
			continue
		}
		if matchesFilter(entry, f) {
			matched = append(matched, entry)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var page []Entry
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = append(page, matched[offset:end]...)
	} else {
		page = []Entry{}
	}

	return QueryResult{
		Entries:     page,
		TotalCount:  total,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		HasMore:     offset+limit < total,
	}
}

func (l *Log) candidateIDsLocked(f Filter) []string {
	switch {
	case f.CorrelationID != "":
		return idsFromSet(l.byCorrelation[f.CorrelationID])
	case f.RuleID != "":
		return idsFromSet(l.byRule[f.RuleID])
	case f.Source != "":
		return idsFromSet(l.bySource[f.Source])
	case len(f.Types) == 1:
		return idsFromSet(l.byType[f.Types[0]])
	case f.Category != "":
		return idsFromSet(l.byCategory[f.Category])
	default:
		return append([]string(nil), l.order...)
	}
}

func idsFromSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func matchesFilter(entry Entry, f Filter) bool {
	if f.Category != "" && entry.Category != f.Category {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if entry.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Source != "" && entry.Source != f.Source {
		return false
	}
	if f.RuleID != "" && entry.RuleID != f.RuleID {
		return false
	}
	if f.CorrelationID != "" && entry.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}
