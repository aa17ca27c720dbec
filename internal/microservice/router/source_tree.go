package router

import (
	"fmt"
	"strings"
	"sync"
)

// SourceTree is a prefix tree over dot-separated routing key patterns. "*"
// matches exactly one word and "#" matches zero or more trailing words.
type SourceTree struct {
	root *sourceNode
	mu   sync.RWMutex
}

type sourceNode struct {
	segment  string
	rules    []*Rule
	children map[string]*sourceNode
}

// NewSourceTree creates an empty tree
func NewSourceTree() *SourceTree {
	return &SourceTree{root: &sourceNode{children: make(map[string]*sourceNode)}}
}

// AddRule adds a rule under its source pattern
func (t *SourceTree) AddRule(rule *Rule) error {
	if rule == nil || rule.Source == "" {
		return fmt.Errorf("invalid rule or empty source")
	}

	segments := strings.Split(rule.Source, ".")

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.root
	for i, segment := range segments {
		isLast := i == len(segments)-1

		if segment == "#" && !isLast {
			return fmt.Errorf("multi-word wildcard (#) must be the last segment")
		}
		if strings.Contains(segment, "*") && segment != "*" {
			return fmt.Errorf("single-word wildcard (*) must be the entire segment")
		}

		next, exists := current.children[segment]
		if !exists {
			next = &sourceNode{
				segment:  segment,
				children: make(map[string]*sourceNode),
			}
			current.children[segment] = next
		}

		if isLast {
			next.rules = append(next.rules, rule)
		}
		current = next
	}

	return nil
}

// RemoveRule removes a rule from the tree
func (t *SourceTree) RemoveRule(rule *Rule) error {
	if rule == nil || rule.Source == "" {
		return fmt.Errorf("invalid rule or empty source")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeRule(t.root, strings.Split(rule.Source, "."), 0, rule)
}

func (t *SourceTree) removeRule(node *sourceNode, segments []string, depth int, rule *Rule) error {
	if node == nil || depth >= len(segments) {
		return nil
	}

	segment := segments[depth]
	child, exists := node.children[segment]
	if !exists {
		return fmt.Errorf("source segment not found: %s", segment)
	}

	if depth == len(segments)-1 {
		for i, r := range child.rules {
			if r == rule {
				child.rules = append(child.rules[:i], child.rules[i+1:]...)
				break
			}
		}
	} else if err := t.removeRule(child, segments, depth+1, rule); err != nil {
		return err
	}

	if len(child.rules) == 0 && len(child.children) == 0 {
		delete(node.children, segment)
	}
	return nil
}

// FindMatches finds all rules whose pattern matches key
func (t *SourceTree) FindMatches(key string) []*Rule {
	if key == "" {
		return nil
	}

	segments := strings.Split(key, ".")

	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []*Rule
	t.findMatches(t.root, segments, 0, &matches)
	return matches
}

func (t *SourceTree) findMatches(node *sourceNode, segments []string, depth int, matches *[]*Rule) {
	if node == nil {
		return
	}

	if child, ok := node.children["#"]; ok {
		*matches = append(*matches, child.rules...)
	}

	if depth == len(segments) {
		*matches = append(*matches, node.rules...)
		return
	}

	if child, ok := node.children[segments[depth]]; ok {
		t.findMatches(child, segments, depth+1, matches)
	}
	if child, ok := node.children["*"]; ok {
		t.findMatches(child, segments, depth+1, matches)
	}
}
