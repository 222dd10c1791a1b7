// Package topology maps registration positions onto an implicit k-ary tree.
//
// Positions are 1-based. The root sits at position 1 and the node at position
// q owns the child positions (q-1)*BranchFactor+2 .. (q-1)*BranchFactor+BranchFactor+1.
package topology

// BranchFactor is the maximum number of children of a tree node.
const BranchFactor = 6

// ParentOf returns the parent position of p. Every node, the root included,
// has exactly BranchFactor child positions.
// ok is false for the root (p == 1) and for the invalid position 0.
func ParentOf(p uint64) (parent uint64, ok bool) {
	if p <= 1 {
		return 0, false
	}
	return (p-2)/BranchFactor + 1, true
}

// Children returns the inclusive range of child positions of q.
func Children(q uint64) (first, last uint64) {
	first = (q-1)*BranchFactor + 2
	return first, first + BranchFactor - 1
}

// Depth returns the tree level of p, with the root at depth 0.
func Depth(p uint64) uint {
	var depth uint
	for {
		parent, ok := ParentOf(p)
		if !ok {
			return depth
		}
		p = parent
		depth++
	}
}
