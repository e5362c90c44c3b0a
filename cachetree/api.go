// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cachetree provides an unbalanced binary search tree whose node values
// can be offloaded to a diskcache.DiskCache and transparently reloaded on
// access. Nodes are never removed individually; Clear() discards the whole
// tree along with its backing files.
//
// Keys compare with a sortedmap.Compare. An inserted key that compares less
// than or equal to a node's key descends to that node's left, so duplicate
// keys are permitted.
package cachetree

import (
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/crawlstate/diskcache"
)

// ValueCallbacks specifies the interface to a set of callbacks provided by the
// client to serialize node values. diskcache.ScalarCallbacks satisfies it.
type ValueCallbacks interface {
	DumpValue(value sortedmap.Value) (valueAsString string, err error)
	PackValue(value sortedmap.Value) (packedValue []byte, err error)
	UnpackValue(packedValue []byte) (value sortedmap.Value, err error)
}

// Config controls auto-commit and the tree's disk cache.
type Config struct {
	AutoCommitLevel uint32 // If non-zero, auto-commit is enabled at this level
	RootDir         string // Parent of the disk cache directory; "" means os.TempDir()
	Frequency       uint64 // Disk cache batch size; 0 means diskcache.DefaultFrequency
}

type Mode uint8

const (
	Resident Mode = iota
	Offloaded
)

func (mode Mode) String() string {
	switch mode {
	case Resident:
		return "Resident"
	case Offloaded:
		return "Offloaded"
	default:
		return "Unknown"
	}
}

type Stats struct {
	ResidentHits uint64 // Reads served from memory
	OffloadHits  uint64 // Reads that reloaded the value from the disk cache
}

// Tree is safe for concurrent use; every operation is serialized on its mutex.
//
// A Tree that dumped values owns a directory under Config.RootDir. Call Clear()
// once the Tree is no longer needed to remove it; a finalizer also does so if
// the Tree becomes unreachable without Clear(), but outstanding Nodes and
// Traversals keep the Tree reachable.
type Tree struct {
	sync.Mutex
	compare           sortedmap.Compare
	callbacks         ValueCallbacks
	config            Config
	root              *Node
	size              uint64
	height            uint64
	autoCommitEnabled bool
	autoCommitLevel   uint32
	autoCursor        *Node                // Next node auto-commit will dump
	hardened          bool                 // Set by a dump from the root; cleared by any reload
	cache             *diskcache.DiskCache // Created on first need; keyed by Node.serial
	epoch             uint64               // Incremented by Clear(); Nodes from earlier epochs are stale
	nextSerial        uint64
}

// Node is a reference to one element of a Tree.
type Node struct {
	key          sortedmap.Key
	value        sortedmap.Value // nil while mode == Offloaded
	mode         Mode
	left         *Node
	right        *Node
	tree         *Tree
	epoch        uint64
	serial       uint64 // Disk cache key (tree keys need not be unique)
	residentHits uint64
	offloadHits  uint64
}

// Order selects a depth first traversal order.
type Order uint8

const (
	Inorder Order = iota
	Preorder
	Postorder
)

// Traversal yields the Nodes of a Tree one at a time. It does not reload
// offloaded values; use Node.Value() for that. A Traversal is exhausted once
// Next() returns ok == false, or once the Tree is cleared.
type Traversal struct {
	tree        *Tree
	order       Order
	epoch       uint64
	stack       []*Node
	current     *Node
	lastVisited *Node
}

// NewTree returns an empty Tree. If config.AutoCommitLevel is non-zero, auto-commit
// is enabled and the disk cache is created immediately (failure is a
// blunder.ConfigurationError).
func NewTree(compare sortedmap.Compare, callbacks ValueCallbacks, config Config) (tree *Tree, err error) {
	tree, err = newTree(compare, callbacks, config)
	return
}

// NewSeededTree returns a Tree holding the single node key:value.
func NewSeededTree(compare sortedmap.Compare, callbacks ValueCallbacks, config Config, key sortedmap.Key, value sortedmap.Value) (tree *Tree, err error) {
	tree, err = newTree(compare, callbacks, config)
	if nil != err {
		return
	}
	_, err = tree.Insert(key, value)
	if nil != err {
		_ = tree.Clear()
		tree = nil
	}
	return
}

// Insert adds key:value as a new leaf. If auto-commit is enabled and Size() is
// a multiple of the auto-commit level, the auto-commit cursor node is dumped and
// the cursor moves to the new node. A dump failure is returned alongside the
// (inserted) node.
func (tree *Tree) Insert(key sortedmap.Key, value sortedmap.Value) (node *Node, err error) {
	node, err = tree.insert(key, value)
	return
}

// Lookup returns the value of a node whose key equals key, reloading it if
// it was offloaded. An absent key reports ok == false and no error.
func (tree *Tree) Lookup(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	value, ok, err = tree.lookup(key)
	return
}

// Update replaces the value of a node whose key equals key. An offloaded node
// is not made Resident: its new value is re-dumped straight to the disk cache
// and the node stays Offloaded, trading a disk write for keeping committed
// values on disk. The next read reloads it as usual.
func (tree *Tree) Update(key sortedmap.Key, value sortedmap.Value) (ok bool, err error) {
	ok, err = tree.update(key, value)
	return
}

// Dump offloads every Resident node at or below node (nil means the root).
// Dumping from the root marks the Tree hardened.
func (tree *Tree) Dump(node *Node) (err error) {
	err = tree.dump(node)
	return
}

// DumpAll is Dump(nil).
func (tree *Tree) DumpAll() (err error) {
	err = tree.dump(nil)
	return
}

// Load reloads every offloaded node of a hardened Tree and clears hardened.
// It does nothing if the Tree is not hardened. Inserting into a hardened Tree
// leaves it hardened; the new nodes are simply Resident already.
func (tree *Tree) Load() (err error) {
	err = tree.load()
	return
}

// Inorder returns a Traversal in non-decreasing key order.
func (tree *Tree) Inorder() *Traversal {
	return tree.newTraversal(Inorder)
}

// Preorder returns a Traversal visiting each node before its subtrees.
func (tree *Tree) Preorder() *Traversal {
	return tree.newTraversal(Preorder)
}

// Postorder returns a Traversal visiting each node after its subtrees.
func (tree *Tree) Postorder() *Traversal {
	return tree.newTraversal(Postorder)
}

// MinKey returns the leftmost key or a blunder.EmptyTreeError.
func (tree *Tree) MinKey() (key sortedmap.Key, err error) {
	key, err = tree.extremeKey(true)
	return
}

// MaxKey returns the rightmost key or a blunder.EmptyTreeError.
func (tree *Tree) MaxKey() (key sortedmap.Key, err error) {
	key, err = tree.extremeKey(false)
	return
}

// SizeLeftOfRoot counts the nodes in the root's left subtree.
func (tree *Tree) SizeLeftOfRoot() (size uint64) {
	tree.Lock()
	if nil != tree.root {
		size = subtreeSize(tree.root.left)
	}
	tree.Unlock()
	return
}

// SizeRightOfRoot counts the nodes in the root's right subtree.
func (tree *Tree) SizeRightOfRoot() (size uint64) {
	tree.Lock()
	if nil != tree.root {
		size = subtreeSize(tree.root.right)
	}
	tree.Unlock()
	return
}

func (tree *Tree) Size() (size uint64) {
	tree.Lock()
	size = tree.size
	tree.Unlock()
	return
}

// Height returns the estimate ceil(log2(Size()+1)), not the true height.
func (tree *Tree) Height() (height uint64) {
	tree.Lock()
	height = tree.height
	tree.Unlock()
	return
}

func (tree *Tree) Hardened() (hardened bool) {
	tree.Lock()
	hardened = tree.hardened
	tree.Unlock()
	return
}

func (tree *Tree) AutoCommit() (enabled bool, level uint32) {
	tree.Lock()
	enabled = tree.autoCommitEnabled
	level = tree.autoCommitLevel
	tree.Unlock()
	return
}

// SetAutoCommit enables auto-commit at level (which must be non-zero) and
// creates the disk cache if needed.
func (tree *Tree) SetAutoCommit(level uint32) (err error) {
	err = tree.setAutoCommit(level)
	return
}

// Stats aggregates the hit counters of every node.
func (tree *Tree) Stats() (stats Stats) {
	stats = tree.fetchStats()
	return
}

// Clear discards every node and closes the disk cache, removing its files and
// directory. Nodes obtained before Clear() report blunder.StaleNodeError.
func (tree *Tree) Clear() (err error) {
	err = tree.clear()
	return
}

// Key returns the node's key.
func (node *Node) Key() sortedmap.Key {
	return node.key
}

// Value returns the node's value, reloading it from the disk cache if needed.
// ok == false means the offloaded value could not be found.
func (node *Node) Value() (value sortedmap.Value, ok bool, err error) {
	value, ok, err = node.fetchValue()
	return
}

func (node *Node) Mode() (mode Mode) {
	node.tree.Lock()
	mode = node.mode
	node.tree.Unlock()
	return
}

func (node *Node) Stats() (stats Stats) {
	node.tree.Lock()
	stats = Stats{ResidentHits: node.residentHits, OffloadHits: node.offloadHits}
	node.tree.Unlock()
	return
}

// Next returns the next Node of the Traversal.
func (traversal *Traversal) Next() (node *Node, ok bool) {
	node, ok = traversal.next()
	return
}
