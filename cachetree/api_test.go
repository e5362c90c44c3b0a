// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetree

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/conf"
	"github.com/NVIDIA/crawlstate/diskcache"
)

func testSetup(t *testing.T) (testDir string) {
	testDir, err := ioutil.TempDir("", "cachetree-test")
	require.Nil(t, err)
	return
}

func testDirEntries(t *testing.T, testDir string) int {
	dirEntries, err := ioutil.ReadDir(testDir)
	require.Nil(t, err)
	return len(dirEntries)
}

func collectKeys(traversal *Traversal) (keys []int) {
	keys = []int{}
	for {
		node, ok := traversal.Next()
		if !ok {
			return
		}
		keys = append(keys, node.Key().(int))
	}
}

func TestAutoCommitScenario(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{AutoCommitLevel: 3, RootDir: testDir})
	require.Nil(t, err)
	defer tree.Clear()

	enabled, level := tree.AutoCommit()
	assert.True(enabled)
	assert.Equal(uint32(3), level)

	nodes := make(map[int]*Node)
	for _, key := range []int{4, 3, 2, 1, 5, 6, 0} {
		nodes[key], err = tree.Insert(key, fmt.Sprintf("v%d", key))
		assert.Nil(err)
	}

	assert.Equal(uint64(7), tree.Size())
	assert.Equal(uint64(3), tree.Height())

	minKey, err := tree.MinKey()
	assert.Nil(err)
	assert.Equal(0, minKey)
	maxKey, err := tree.MaxKey()
	assert.Nil(err)
	assert.Equal(6, maxKey)

	assert.Equal([]int{0, 1, 2, 3, 4, 5, 6}, collectKeys(tree.Inorder()))
	assert.Equal([]int{4, 3, 2, 1, 0, 5, 6}, collectKeys(tree.Preorder()))
	assert.Equal([]int{0, 1, 2, 3, 6, 5, 4}, collectKeys(tree.Postorder()))

	assert.Equal(uint64(4), tree.SizeLeftOfRoot())
	assert.Equal(uint64(2), tree.SizeRightOfRoot())

	// The cursor started at 4, was dumped at size 3, then 2 was dumped at size 6
	assert.Equal(Offloaded, nodes[4].Mode())
	assert.Equal(Offloaded, nodes[2].Mode())
	assert.Equal(Resident, nodes[6].Mode())
	assert.Equal(Resident, nodes[0].Mode())

	for key := 0; key < 7; key++ {
		value, ok, err := tree.Lookup(key)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(fmt.Sprintf("v%d", key), value)
	}

	stats := tree.Stats()
	assert.Equal(uint64(2), stats.OffloadHits)
	assert.Equal(uint64(5), stats.ResidentHits)
	assert.Equal(Resident, nodes[4].Mode())
	assert.Equal(Stats{OffloadHits: 1}, nodes[4].Stats())

	_, ok, err := tree.Lookup(7)
	assert.Nil(err)
	assert.False(ok)
}

func TestInorderIsSorted(t *testing.T) {
	assert := assert.New(t)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{})
	require.Nil(t, err)
	defer tree.Clear()

	random := rand.New(rand.NewSource(17))

	for i := 0; i < 500; i++ {
		_, err = tree.Insert(random.Intn(100), i)
		assert.Nil(err)
	}

	keys := collectKeys(tree.Inorder())
	assert.Equal(500, len(keys))
	for i := 1; i < len(keys); i++ {
		assert.True(keys[i-1] <= keys[i])
	}

	assert.Equal(500, len(collectKeys(tree.Preorder())))
	assert.Equal(500, len(collectKeys(tree.Postorder())))
	assert.Equal(uint64(499), tree.SizeLeftOfRoot()+tree.SizeRightOfRoot())
	assert.Equal(uint64(9), tree.Height())

	_, err = tree.Insert("not an int", 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	assert.Equal(uint64(500), tree.Size())
}

func TestDumpLoadRoundTrip(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewSeededTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir}, 1, "one")
	require.Nil(t, err)

	enabled, _ := tree.AutoCommit()
	assert.False(enabled)
	assert.Equal(0, testDirEntries(t, testDir))

	assert.Nil(tree.DumpAll())
	assert.True(tree.Hardened())
	assert.Equal(1, testDirEntries(t, testDir))

	assert.Nil(tree.Load())
	assert.False(tree.Hardened())
	assert.Equal(Stats{OffloadHits: 1}, tree.Stats())

	value, ok, err := tree.Lookup(1)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal("one", value)
	assert.Equal(Stats{ResidentHits: 1, OffloadHits: 1}, tree.Stats())

	// Load() of a tree that is not hardened does nothing
	assert.Nil(tree.Load())

	assert.Nil(tree.Clear())
	assert.Equal(0, testDirEntries(t, testDir))
}

func TestDumpSubtree(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareString, diskcache.ScalarCallbacks{}, Config{RootDir: testDir})
	require.Nil(t, err)
	defer tree.Clear()

	root, _ := tree.Insert("m", 13)
	left, _ := tree.Insert("f", 6)
	leftLeft, _ := tree.Insert("a", 1)
	right, _ := tree.Insert("t", 20)

	assert.Nil(tree.Dump(left))
	assert.False(tree.Hardened())
	assert.Equal(Offloaded, left.Mode())
	assert.Equal(Offloaded, leftLeft.Mode())
	assert.Equal(Resident, root.Mode())
	assert.Equal(Resident, right.Mode())

	// Traversal does not reload
	assert.Equal([]string{"a", "f", "m", "t"}, func() (keys []string) {
		traversal := tree.Inorder()
		for node, ok := traversal.Next(); ok; node, ok = traversal.Next() {
			keys = append(keys, node.Key().(string))
		}
		return
	}())
	assert.Equal(Offloaded, leftLeft.Mode())

	value, ok, err := leftLeft.Value()
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(1, value)
	assert.Equal(Resident, leftLeft.Mode())

	assert.Nil(tree.Dump(nil))
	assert.True(tree.Hardened())

	_, _, err = tree.Lookup("t")
	assert.Nil(err)
	assert.False(tree.Hardened())
}

func TestUpdate(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir})
	require.Nil(t, err)
	defer tree.Clear()

	node, err := tree.Insert(10, "ten")
	assert.Nil(err)
	_, err = tree.Insert(20, "twenty")
	assert.Nil(err)

	ok, err := tree.Update(20, "TWENTY")
	assert.Nil(err)
	assert.True(ok)

	assert.Nil(tree.DumpAll())
	assert.Equal(Offloaded, node.Mode())

	ok, err = tree.Update(10, "TEN")
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(Offloaded, node.Mode())
	assert.True(tree.Hardened())

	value, ok, err := tree.cache.Get(node.serial)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal("TEN", value)

	value, ok, err = tree.Lookup(10)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal("TEN", value)
	assert.Equal(Resident, node.Mode())
	assert.Equal(Stats{OffloadHits: 1}, node.Stats())

	value, ok, err = tree.Lookup(20)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal("TWENTY", value)

	ok, err = tree.Update(30, "thirty")
	assert.Nil(err)
	assert.False(ok)
}

func TestEmptyTree(t *testing.T) {
	assert := assert.New(t)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{})
	require.Nil(t, err)

	_, err = tree.MinKey()
	assert.True(blunder.Is(err, blunder.EmptyTreeError))
	_, err = tree.MaxKey()
	assert.True(blunder.Is(err, blunder.EmptyTreeError))

	value, ok, err := tree.Lookup(1)
	assert.Nil(err)
	assert.False(ok)
	assert.Nil(value)

	_, ok = tree.Inorder().Next()
	assert.False(ok)
	_, ok = tree.Postorder().Next()
	assert.False(ok)

	assert.Nil(tree.DumpAll())
	assert.False(tree.Hardened())
	assert.Nil(tree.Load())

	assert.Equal(uint64(0), tree.Size())
	assert.Equal(uint64(0), tree.Height())
	assert.Equal(uint64(0), tree.SizeLeftOfRoot())
	assert.Equal(Stats{}, tree.Stats())

	assert.Nil(tree.Clear())
	assert.Nil(tree.Clear())
	assert.Equal(uint64(0), tree.Size())
}

func TestClear(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{AutoCommitLevel: 2, RootDir: testDir, Frequency: 2})
	require.Nil(t, err)

	for key := 0; key < 10; key++ {
		_, err = tree.Insert(key, key)
		assert.Nil(err)
	}
	node, err := tree.Insert(10, 10)
	assert.Nil(err)
	assert.Equal(1, testDirEntries(t, testDir))

	traversal := tree.Inorder()
	_, ok := traversal.Next()
	assert.True(ok)

	assert.Nil(tree.Clear())
	assert.Equal(uint64(0), tree.Size())
	assert.Equal(0, testDirEntries(t, testDir))

	_, ok = traversal.Next()
	assert.False(ok)

	_, _, err = node.Value()
	assert.True(blunder.Is(err, blunder.StaleNodeError))
	assert.True(blunder.Is(tree.Dump(node), blunder.StaleNodeError))

	assert.Nil(tree.Clear())

	// still usable; auto-commit recreates the disk cache when it next dumps
	for key := 0; key < 4; key++ {
		_, err = tree.Insert(key, key*key)
		assert.Nil(err)
	}
	assert.Equal(1, testDirEntries(t, testDir))
	value, ok, err := tree.Lookup(0)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(0, value)

	assert.Nil(tree.Clear())
}

func TestManyOffloads(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir, Frequency: 8})
	require.Nil(t, err)
	defer tree.Clear()

	assert.Nil(tree.SetAutoCommit(5))

	random := rand.New(rand.NewSource(42))
	for _, key := range random.Perm(1000) {
		_, err = tree.Insert(key, uint64(key)*3)
		assert.Nil(err)
	}

	assert.Nil(tree.DumpAll())
	assert.True(tree.Hardened())

	for key := 0; key < 1000; key++ {
		value, ok, err := tree.Lookup(key)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(uint64(key)*3, value)
	}

	assert.Equal(uint64(1000), tree.Stats().OffloadHits)
}

func TestMissingOffloadedValue(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewSeededTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir}, 5, "five")
	require.Nil(t, err)
	defer tree.Clear()

	assert.Nil(tree.DumpAll())
	assert.Nil(tree.cache.Clear())

	value, ok, err := tree.Lookup(5)
	assert.Nil(err)
	assert.False(ok)
	assert.Nil(value)

	assert.True(blunder.Is(tree.Load(), blunder.NotFoundError))
}

func TestConfiguration(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	notADir := filepath.Join(testDir, "file")
	assert.Nil(ioutil.WriteFile(notADir, []byte{}, 0600))

	_, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{AutoCommitLevel: 2, RootDir: notADir})
	assert.True(blunder.Is(err, blunder.ConfigurationError))

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: notADir})
	require.Nil(t, err)
	assert.True(blunder.Is(tree.SetAutoCommit(0), blunder.InvalidArgError))
	assert.True(blunder.Is(tree.SetAutoCommit(4), blunder.ConfigurationError))

	_, err = NewTree(nil, diskcache.ScalarCallbacks{}, Config{})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"CacheTree.RootDir=" + testDir,
		"CacheTree.BatchFrequency=25",
		"CacheTree.AutoCommitLevel=7",
	})
	assert.Nil(err)

	config, err := FetchConfig(confMap, "CacheTree")
	assert.Nil(err)
	assert.Equal(Config{AutoCommitLevel: 7, RootDir: testDir, Frequency: 25}, config)

	assert.Nil(confMap.UpdateFromString("CacheTree.AutoCommitLevel=lots"))
	_, err = FetchConfig(confMap, "CacheTree")
	assert.True(blunder.Is(err, blunder.ConfigurationError))
}

func TestInsertKeepsHardened(t *testing.T) {
	assert := assert.New(t)

	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	tree, err := NewTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir})
	require.Nil(t, err)
	defer tree.Clear()

	first, _ := tree.Insert(1, "a")
	second, _ := tree.Insert(2, "b")

	assert.Nil(tree.DumpAll())
	assert.True(tree.Hardened())

	third, err := tree.Insert(3, "c")
	assert.Nil(err)
	assert.True(tree.Hardened())

	assert.Nil(tree.Load())
	assert.False(tree.Hardened())
	assert.Equal(Resident, first.Mode())
	assert.Equal(Resident, second.Mode())
	assert.Equal(Resident, third.Mode())
	assert.Equal(Stats{OffloadHits: 2}, tree.Stats())
}

func dumpAndAbandonTree(t *testing.T, testDir string) {
	tree, err := NewSeededTree(sortedmap.CompareInt, diskcache.ScalarCallbacks{}, Config{RootDir: testDir}, 1, "one")
	require.Nil(t, err)
	require.Nil(t, tree.DumpAll())
}

func TestAbandonedTreeIsCleared(t *testing.T) {
	testDir := testSetup(t)
	defer os.RemoveAll(testDir)

	dumpAndAbandonTree(t, testDir)
	require.Equal(t, 1, testDirEntries(t, testDir))

	assert.Eventually(t, func() bool {
		runtime.GC()
		return 0 == testDirEntries(t, testDir)
	}, 10*time.Second, 10*time.Millisecond)
}
