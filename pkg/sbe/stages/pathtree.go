package stages

import (
	"sort"
	"strings"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// pathTree merges a set of dotted paths into one tree so that conflicting
// prefixes reconstruct into a single nested object, e.g. {a.b, a.c} becomes
// {a: {b: .., c: ..}}. Leaves carry the index of the column cursor supplying
// the value.
type pathTreeNode struct {
	seg      string
	children []*pathTreeNode
	leafIdx  int // cursor index, -1 for internal nodes
}

// buildPathTree builds the merged tree for the given paths. cursorIdx maps a
// path to its cursor position; paths not present in the map are skipped.
// Children are ordered by segment name so reconstruction output is stable.
func buildPathTree(paths []string, cursorIdx map[string]int) *pathTreeNode {
	root := &pathTreeNode{leafIdx: -1}
	for _, path := range paths {
		idx, ok := cursorIdx[path]
		if !ok {
			continue
		}
		node := root
		rest := path
		for {
			dot := strings.IndexByte(rest, '.')
			seg := rest
			if dot >= 0 {
				seg = rest[:dot]
			}
			node = node.child(seg)
			if dot < 0 {
				node.leafIdx = idx
				break
			}
			rest = rest[dot+1:]
		}
	}
	root.sortChildren()
	return root
}

func (n *pathTreeNode) child(seg string) *pathTreeNode {
	for _, c := range n.children {
		if c.seg == seg {
			return c
		}
	}
	c := &pathTreeNode{seg: seg, leafIdx: -1}
	n.children = append(n.children, c)
	return c
}

func (n *pathTreeNode) sortChildren() {
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].seg < n.children[j].seg })
	for _, c := range n.children {
		c.sortChildren()
	}
}

// reconstruct assembles an object from the per-leaf values. Leaves whose
// value is Nothing are omitted, preserving the missing-vs-null distinction;
// internal nodes with no present descendants are omitted entirely.
func (n *pathTreeNode) reconstruct(leafValue func(idx int) value.Value) (value.Value, bool) {
	if n.leafIdx >= 0 {
		v := leafValue(n.leafIdx)
		if v.IsNothing() {
			return value.Nothing(), false
		}
		return v, true
	}
	obj := value.NewObjectValue()
	any := false
	for _, c := range n.children {
		if v, ok := c.reconstruct(leafValue); ok {
			obj.Set(c.seg, v)
			any = true
		}
	}
	if !any && n.seg != "" {
		return value.Nothing(), false
	}
	return value.NewObject(obj), true
}
