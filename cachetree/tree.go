// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetree

import (
	"fmt"
	"math/bits"
	"runtime"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/diskcache"
	"github.com/NVIDIA/crawlstate/logger"
)

// nodeCacheCallbacks adapts ValueCallbacks to a disk cache keyed by Node.serial
type nodeCacheCallbacks struct {
	ValueCallbacks
}

type nodeSerialStruct struct {
	Serial uint64
}

func (callbacks nodeCacheCallbacks) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("0x%016X", key)
	err = nil
	return
}

func (callbacks nodeCacheCallbacks) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	serial, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("node serial must be a uint64 (got %T)", key)
		return
	}
	packedKey, err = cstruct.Pack(nodeSerialStruct{Serial: serial}, cstruct.LittleEndian)
	return
}

func newTree(compare sortedmap.Compare, callbacks ValueCallbacks, config Config) (tree *Tree, err error) {
	if (nil == compare) || (nil == callbacks) {
		err = blunder.NewError(blunder.InvalidArgError, "cachetree.NewTree() requires compare and callbacks")
		return
	}

	if 0 == config.Frequency {
		config.Frequency = diskcache.DefaultFrequency
	}

	tree = &Tree{
		compare:   compare,
		callbacks: callbacks,
		config:    config,
	}

	if 0 != config.AutoCommitLevel {
		err = tree.setAutoCommit(config.AutoCommitLevel)
		if nil != err {
			tree = nil
			return
		}
	}

	runtime.SetFinalizer(tree, func(tree *Tree) {
		err := tree.Clear()
		if nil != err {
			logger.WarnfWithError(err, "cachetree finalizer unable to clear tree")
		}
	})

	err = nil
	return
}

// diskCache returns the tree's disk cache, creating it if needed. Called with the lock held.
func (tree *Tree) diskCache() (cache *diskcache.DiskCache, err error) {
	if nil == tree.cache {
		tree.cache, err = diskcache.New(
			diskcache.Config{
				RootDir:   tree.config.RootDir,
				DirPrefix: "cachetree",
				Frequency: tree.config.Frequency,
			},
			sortedmap.CompareUint64,
			nodeCacheCallbacks{tree.callbacks})
		if nil != err {
			err = blunder.AddError(err, blunder.ConfigurationError)
			return
		}
	}

	cache = tree.cache
	err = nil
	return
}

func (tree *Tree) setAutoCommit(level uint32) (err error) {
	if 0 == level {
		err = blunder.NewError(blunder.InvalidArgError, "auto-commit level must be non-zero")
		return
	}

	tree.Lock()
	defer tree.Unlock()

	_, err = tree.diskCache()
	if nil != err {
		return
	}

	tree.autoCommitEnabled = true
	tree.autoCommitLevel = level

	return
}

func (tree *Tree) compareKeys(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	result, err = tree.compare(key1, key2)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
	}
	return
}

// find returns the first node on the search path whose key equals key
func (tree *Tree) find(key sortedmap.Key) (node *Node, err error) {
	var result int

	node = tree.root

	for nil != node {
		result, err = tree.compareKeys(key, node.key)
		if nil != err {
			node = nil
			return
		}
		switch {
		case 0 == result:
			return
		case 0 > result:
			node = node.left
		default:
			node = node.right
		}
	}

	return
}

func (tree *Tree) insert(key sortedmap.Key, value sortedmap.Value) (node *Node, err error) {
	var (
		parent *Node
		result int
	)

	tree.Lock()
	defer tree.Unlock()

	node = &Node{
		key:    key,
		value:  value,
		mode:   Resident,
		tree:   tree,
		epoch:  tree.epoch,
		serial: tree.nextSerial,
	}

	if nil == tree.root {
		tree.root = node
	} else {
		parent = tree.root
		for {
			result, err = tree.compareKeys(key, parent.key)
			if nil != err {
				node = nil
				return
			}
			if 0 >= result {
				if nil == parent.left {
					parent.left = node
					break
				}
				parent = parent.left
			} else {
				if nil == parent.right {
					parent.right = node
					break
				}
				parent = parent.right
			}
		}
	}

	tree.nextSerial++
	tree.size++
	tree.height = uint64(bits.Len64(tree.size))

	if 1 == tree.size {
		tree.autoCursor = node
	} else if tree.autoCommitEnabled && (0 == tree.size%uint64(tree.autoCommitLevel)) {
		if nil != tree.autoCursor {
			err = tree.dumpNode(tree.autoCursor)
			if nil != err {
				return
			}
		}
		tree.autoCursor = node
	}

	logger.Tracef("inserted %v (size %d)", key, tree.size)

	err = nil
	return
}

// dumpNode offloads node's value. Called with the lock held.
func (tree *Tree) dumpNode(node *Node) (err error) {
	if Offloaded == node.mode {
		err = nil
		return
	}

	cache, err := tree.diskCache()
	if nil != err {
		return
	}

	err = cache.Set(node.serial, node.value)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	node.value = nil
	node.mode = Offloaded

	logger.Tracef("dumped %v", node.key)

	err = nil
	return
}

// reloadNode moves an offloaded node's value back into memory. Called with the lock held.
func (tree *Tree) reloadNode(node *Node) (ok bool, err error) {
	var value sortedmap.Value

	if nil == tree.cache {
		logger.Warnf("node %v is offloaded but the tree has no disk cache", node.key)
		ok = false
		err = nil
		return
	}

	value, ok, err = tree.cache.Get(node.serial)
	if nil != err {
		if !blunder.IsSerializationFailure(err) {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}
	if !ok {
		logger.Warnf("offloaded value of node %v is missing from %s", node.key, tree.cache.DirPath())
		return
	}

	_, err = tree.cache.Delete(node.serial)
	if nil != err {
		return
	}

	node.value = value
	node.mode = Resident
	node.offloadHits++
	tree.hardened = false

	logger.Tracef("reloaded %v", node.key)

	return
}

// readNode returns node's value, reloading it if needed. Called with the lock held.
func (tree *Tree) readNode(node *Node) (value sortedmap.Value, ok bool, err error) {
	if Offloaded == node.mode {
		ok, err = tree.reloadNode(node)
		if (nil != err) || !ok {
			return
		}
	} else {
		node.residentHits++
	}

	value = node.value
	ok = true
	return
}

func (tree *Tree) lookup(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	tree.Lock()
	defer tree.Unlock()

	node, err := tree.find(key)
	if (nil != err) || (nil == node) {
		return
	}

	value, ok, err = tree.readNode(node)

	return
}

func (tree *Tree) update(key sortedmap.Key, value sortedmap.Value) (ok bool, err error) {
	tree.Lock()
	defer tree.Unlock()

	node, err := tree.find(key)
	if (nil != err) || (nil == node) {
		return
	}

	if Offloaded == node.mode {
		// An offloaded node stays offloaded; its new value goes straight to the disk cache
		err = tree.cache.Set(node.serial, value)
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
	} else {
		node.value = value
	}

	ok = true

	return
}

func (tree *Tree) checkNode(node *Node) (err error) {
	if (tree != node.tree) || (tree.epoch != node.epoch) {
		err = blunder.NewError(blunder.StaleNodeError, "node %v does not belong to this tree", node.key)
		return
	}
	err = nil
	return
}

func (tree *Tree) dump(node *Node) (err error) {
	var stack []*Node

	tree.Lock()
	defer tree.Unlock()

	if nil == node {
		node = tree.root
		if nil == node {
			err = nil
			return
		}
	} else {
		err = tree.checkNode(node)
		if nil != err {
			return
		}
	}

	stack = []*Node{node}

	for 0 < len(stack) {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		err = tree.dumpNode(current)
		if nil != err {
			return
		}

		if nil != current.right {
			stack = append(stack, current.right)
		}
		if nil != current.left {
			stack = append(stack, current.left)
		}
	}

	if tree.root == node {
		tree.hardened = true
	}

	err = nil
	return
}

func (tree *Tree) load() (err error) {
	var (
		ok    bool
		stack []*Node
	)

	tree.Lock()
	defer tree.Unlock()

	if !tree.hardened {
		err = nil
		return
	}

	if nil != tree.root {
		stack = []*Node{tree.root}
	}

	for 0 < len(stack) {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if Offloaded == current.mode {
			ok, err = tree.reloadNode(current)
			if nil != err {
				return
			}
			if !ok {
				err = blunder.NewError(blunder.NotFoundError, "offloaded value of node %v is missing", current.key)
				return
			}
		}

		if nil != current.right {
			stack = append(stack, current.right)
		}
		if nil != current.left {
			stack = append(stack, current.left)
		}
	}

	tree.hardened = false

	err = nil
	return
}

func (tree *Tree) extremeKey(leftmost bool) (key sortedmap.Key, err error) {
	tree.Lock()
	defer tree.Unlock()

	node := tree.root
	if nil == node {
		err = blunder.NewError(blunder.EmptyTreeError, "tree is empty")
		return
	}

	for {
		next := node.right
		if leftmost {
			next = node.left
		}
		if nil == next {
			break
		}
		node = next
	}

	key = node.key
	err = nil
	return
}

func subtreeSize(node *Node) (size uint64) {
	var stack []*Node

	if nil != node {
		stack = []*Node{node}
	}

	for 0 < len(stack) {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		size++

		if nil != current.left {
			stack = append(stack, current.left)
		}
		if nil != current.right {
			stack = append(stack, current.right)
		}
	}

	return
}

func (tree *Tree) fetchStats() (stats Stats) {
	var stack []*Node

	tree.Lock()
	defer tree.Unlock()

	if nil != tree.root {
		stack = []*Node{tree.root}
	}

	for 0 < len(stack) {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		stats.ResidentHits += current.residentHits
		stats.OffloadHits += current.offloadHits

		if nil != current.left {
			stack = append(stack, current.left)
		}
		if nil != current.right {
			stack = append(stack, current.right)
		}
	}

	return
}

func (tree *Tree) clear() (err error) {
	tree.Lock()
	defer tree.Unlock()

	tree.root = nil
	tree.size = 0
	tree.height = 0
	tree.autoCursor = nil
	tree.hardened = false
	tree.epoch++

	if nil != tree.cache {
		err = tree.cache.Close()
		tree.cache = nil
		if nil != err {
			return
		}
	}

	logger.Tracef("cleared tree (epoch now %d)", tree.epoch)

	err = nil
	return
}

func (node *Node) fetchValue() (value sortedmap.Value, ok bool, err error) {
	tree := node.tree

	tree.Lock()
	defer tree.Unlock()

	err = tree.checkNode(node)
	if nil != err {
		return
	}

	value, ok, err = tree.readNode(node)

	return
}
