package router

import "strings"

const (
	segmentWildcard = "*"
	segmentCatchAll = "**"
)

// trieNode holds at most one local and one remote rule.
type trieNode struct {
	children map[string]*trieNode
	local    *RuleDetail
	remote   *RuleDetail
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// splitPath drops the query string and empty segments.
func splitPath(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func splitPattern(pattern string) ([]string, error) {
	segs := splitPath(pattern)
	for i, s := range segs {
		if s == segmentCatchAll && i != len(segs)-1 {
			return nil, ErrInvalidPattern
		}
	}
	return segs, nil
}

// insert places rule at the node for segs. It returns the rule already
// occupying the slot of the same kind, if any, and leaves the trie unchanged
// in that case.
func (n *trieNode) insert(segs []string, rule *RuleDetail) *RuleDetail {
	node := n
	for _, s := range segs {
		child, ok := node.children[s]
		if !ok {
			child = newTrieNode()
			node.children[s] = child
		}
		node = child
	}

	if rule.IsLocal {
		if node.local != nil {
			return node.local
		}
		node.local = rule
		return nil
	}
	if node.remote != nil {
		return node.remote
	}
	node.remote = rule
	return nil
}

// collect appends every rule whose pattern matches segs.
func (n *trieNode) collect(segs []string, out []*RuleDetail) []*RuleDetail {
	if c := n.children[segmentCatchAll]; c != nil {
		out = c.appendRules(out)
	}
	if len(segs) == 0 {
		return n.appendRules(out)
	}

	head := segs[0]
	if head != segmentWildcard && head != segmentCatchAll {
		if c := n.children[head]; c != nil {
			out = c.collect(segs[1:], out)
		}
	}
	if c := n.children[segmentWildcard]; c != nil {
		out = c.collect(segs[1:], out)
	}
	return out
}

func (n *trieNode) appendRules(out []*RuleDetail) []*RuleDetail {
	if n.local != nil {
		out = append(out, n.local)
	}
	if n.remote != nil {
		out = append(out, n.remote)
	}
	return out
}
