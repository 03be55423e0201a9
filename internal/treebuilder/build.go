package treebuilder

import "github.com/perf-analysis/internal/dataframe"

// Build trains a decision tree over frame, whose last column must be the
// label (y) and whose remaining columns are the declared X features in
// order. The algorithm is iterative and stack-based: no recursion, so deep
// trees never risk blowing the call stack.
func Build(frame *dataframe.Frame, params Params) *Tree {
	yCol := frame.Cols() - 1

	allRows := make([]int, frame.Rows())
	for i := range allRows {
		allRows[i] = i
	}

	nodes := make(map[int32]*Node)
	rowsByNode := make(map[int32][]int)

	var nextID int32
	newNode := func(parent int32) int32 {
		id := nextID
		nextID++
		nodes[id] = &Node{ID: id, ParentID: parent}
		return id
	}

	root := newNode(-1)
	rowsByNode[root] = allRows

	stack := []int32{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rows := rowsByNode[id]
		node := nodes[id]

		split, ok := bestSplit(frame, rows, yCol, params.MinInstances)
		if !ok {
			node.Leaf = leafFromRows(rows, yCol, frame)
			continue
		}

		if params.EarlyStopWeight > 0 {
			parentErr := leafFromRows(rows, yCol, frame).ErrorRate()
			childErr := weightedChildError(split.buckets, yCol, frame)
			if childErr*params.EarlyStopWeight >= parentErr {
				node.Leaf = leafFromRows(rows, yCol, frame)
				continue
			}
		}

		children := make([]int32, 0, len(split.buckets))
		for _, b := range split.buckets {
			rule := b.rule
			childID := newNode(id)
			nodes[childID].Rule = &rule
			rowsByNode[childID] = b.rows
			children = append(children, childID)
			stack = append(stack, childID)
		}
		node.Children = children
	}

	tree := &Tree{Nodes: nodes, Root: root}
	postPrune(tree, rowsByNode, yCol, frame, params.PruningWeight)
	collapseSameLabel(tree)

	return tree
}

// leafFromRows materializes a Leaf summarizing rows' label distribution.
func leafFromRows(rows []int, yCol int, frame *dataframe.Frame) *Leaf {
	counts := labelCounts(rows, yCol, frame.GetInt)
	label, correct, total := majority(counts)
	return &Leaf{LabelIndex: label, CorrectCount: correct, TotalCount: total}
}

// weightedChildError computes the row-count-weighted average error rate a
// candidate split's buckets would have if each became a leaf immediately.
func weightedChildError(buckets []bucket, yCol int, frame *dataframe.Frame) float64 {
	var total int
	for _, b := range buckets {
		total += len(b.rows)
	}
	if total == 0 {
		return 0
	}
	var weighted float64
	for _, b := range buckets {
		leaf := leafFromRows(b.rows, yCol, frame)
		weighted += (float64(len(b.rows)) / float64(total)) * leaf.ErrorRate()
	}
	return weighted
}

// postPrune repeatedly collapses terminal nodes (internal nodes whose
// children are all leaves) into a single leaf whenever the node's own
// error rate as a leaf is lower than its children's weighted error rate
// times pruningWeight.
func postPrune(tree *Tree, rowsByNode map[int32][]int, yCol int, frame *dataframe.Frame, pruningWeight float64) {
	for iter := 0; iter < maxCollapseIterations; iter++ {
		changed := false
		for id, node := range tree.Nodes {
			if node.IsLeaf() {
				continue
			}
			if !allChildrenAreLeaves(tree, node) {
				continue
			}

			rows, ok := rowsByNode[id]
			if !ok {
				continue
			}
			currentLeaf := leafFromRows(rows, yCol, frame)
			currentErr := currentLeaf.ErrorRate()
			childErr := weightedLeafError(tree, node.Children)

			if currentErr < childErr*pruningWeight {
				collapseNode(tree, node, currentLeaf)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
}

// collapseSameLabel repeatedly collapses non-root, non-leaf nodes whose
// children are all leaves sharing the same predicted label.
func collapseSameLabel(tree *Tree) {
	for iter := 0; iter < maxCollapseIterations; iter++ {
		changed := false
		for id, node := range tree.Nodes {
			if id == tree.Root || node.IsLeaf() {
				continue
			}
			if !allChildrenAreLeaves(tree, node) {
				continue
			}

			var label int64
			var correct, totalCount int64
			first := true
			sameLabel := true
			for _, cid := range node.Children {
				child := tree.Nodes[cid]
				if first {
					label = child.Leaf.LabelIndex
					first = false
				} else if child.Leaf.LabelIndex != label {
					sameLabel = false
					break
				}
				correct += child.Leaf.CorrectCount
				totalCount += child.Leaf.TotalCount
			}
			if !sameLabel {
				continue
			}

			collapseNode(tree, node, &Leaf{LabelIndex: label, CorrectCount: correct, TotalCount: totalCount})
			changed = true
		}
		if !changed {
			break
		}
	}
}

func allChildrenAreLeaves(tree *Tree, node *Node) bool {
	if len(node.Children) == 0 {
		return false
	}
	for _, cid := range node.Children {
		if !tree.Nodes[cid].IsLeaf() {
			return false
		}
	}
	return true
}

func weightedLeafError(tree *Tree, childIDs []int32) float64 {
	var total int64
	for _, cid := range childIDs {
		total += tree.Nodes[cid].Leaf.TotalCount
	}
	if total == 0 {
		return 0
	}
	var weighted float64
	for _, cid := range childIDs {
		leaf := tree.Nodes[cid].Leaf
		weighted += (float64(leaf.TotalCount) / float64(total)) * leaf.ErrorRate()
	}
	return weighted
}

func collapseNode(tree *Tree, node *Node, leaf *Leaf) {
	for _, cid := range node.Children {
		delete(tree.Nodes, cid)
	}
	node.Children = nil
	node.Leaf = leaf
}
