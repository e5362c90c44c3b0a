// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetree

func (tree *Tree) newTraversal(order Order) (traversal *Traversal) {
	tree.Lock()
	defer tree.Unlock()

	traversal = &Traversal{
		tree:  tree,
		order: order,
		epoch: tree.epoch,
	}

	if nil == tree.root {
		return
	}

	if Preorder == order {
		traversal.stack = []*Node{tree.root}
	} else {
		traversal.current = tree.root
	}

	return
}

func (traversal *Traversal) push(node *Node) {
	traversal.stack = append(traversal.stack, node)
}

func (traversal *Traversal) pop() (node *Node) {
	node = traversal.stack[len(traversal.stack)-1]
	traversal.stack = traversal.stack[:len(traversal.stack)-1]
	return
}

func (traversal *Traversal) finish() {
	traversal.stack = nil
	traversal.current = nil
	traversal.lastVisited = nil
}

func (traversal *Traversal) next() (node *Node, ok bool) {
	tree := traversal.tree

	tree.Lock()
	defer tree.Unlock()

	if tree.epoch != traversal.epoch {
		traversal.finish()
		return
	}

	switch traversal.order {
	case Inorder:
		for nil != traversal.current {
			traversal.push(traversal.current)
			traversal.current = traversal.current.left
		}
		if 0 == len(traversal.stack) {
			return
		}
		node = traversal.pop()
		traversal.current = node.right
		ok = true
	case Preorder:
		if 0 == len(traversal.stack) {
			return
		}
		node = traversal.pop()
		if nil != node.right {
			traversal.push(node.right)
		}
		if nil != node.left {
			traversal.push(node.left)
		}
		ok = true
	case Postorder:
		for {
			if nil != traversal.current {
				traversal.push(traversal.current)
				traversal.current = traversal.current.left
				continue
			}
			if 0 == len(traversal.stack) {
				return
			}
			top := traversal.stack[len(traversal.stack)-1]
			if (nil != top.right) && (traversal.lastVisited != top.right) {
				traversal.current = top.right
				continue
			}
			node = traversal.pop()
			traversal.lastVisited = node
			ok = true
			return
		}
	}

	return
}
