package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"phoenix/internal/logger"
)

// RuleIndex provides rule lookup by routing key with wildcard support
type RuleIndex struct {
	exactMatches map[string][]*Rule // For exact source matches
	wildcardTree *SourceTree        // For wildcard source patterns
	order        map[*Rule]int
	stats        IndexStats
	logger       *logger.Logger
	mu           sync.RWMutex
}

// IndexStats tracks rule index statistics
type IndexStats struct {
	RuleCount     uint64
	Lookups       uint64
	Matches       uint64
	WildcardRules uint64
}

// NewRuleIndex creates an empty index
func NewRuleIndex(log *logger.Logger) *RuleIndex {
	return &RuleIndex{
		exactMatches: make(map[string][]*Rule),
		wildcardTree: NewSourceTree(),
		order:        make(map[*Rule]int),
		logger:       log,
	}
}

// Add indexes rule. An empty source is indexed as "#".
func (idx *RuleIndex) Add(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}
	if rule.Source == "" {
		rule.Source = "#"
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if containsWildcard(rule.Source) {
		if err := idx.wildcardTree.AddRule(rule); err != nil {
			idx.logger.Error("failed to add wildcard rule",
				"source", rule.Source,
				"error", err)
			return err
		}
		atomic.AddUint64(&idx.stats.WildcardRules, 1)
	} else {
		idx.exactMatches[rule.Source] = append(idx.exactMatches[rule.Source], rule)
	}

	idx.order[rule] = len(idx.order)
	atomic.AddUint64(&idx.stats.RuleCount, 1)
	return nil
}

// Find returns the rules matching key, highest priority first. Rules of
// equal priority keep the order they were added in.
func (idx *RuleIndex) Find(key string) []*Rule {
	atomic.AddUint64(&idx.stats.Lookups, 1)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var matches []*Rule
	matches = append(matches, idx.exactMatches[key]...)
	matches = append(matches, idx.wildcardTree.FindMatches(key)...)

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return idx.order[matches[i]] < idx.order[matches[j]]
	})

	if len(matches) > 0 {
		atomic.AddUint64(&idx.stats.Matches, 1)
	}
	return matches
}

// Stats returns a snapshot of the index counters
func (idx *RuleIndex) Stats() IndexStats {
	return IndexStats{
		RuleCount:     atomic.LoadUint64(&idx.stats.RuleCount),
		Lookups:       atomic.LoadUint64(&idx.stats.Lookups),
		Matches:       atomic.LoadUint64(&idx.stats.Matches),
		WildcardRules: atomic.LoadUint64(&idx.stats.WildcardRules),
	}
}

func containsWildcard(source string) bool {
	return strings.Contains(source, "*") || strings.Contains(source, "#")
}
