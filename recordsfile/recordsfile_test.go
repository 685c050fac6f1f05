package recordsfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) *RecordsFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	return st.Size()
}

func TestRoundTrip(t *testing.T) {
	rf := newTestStore(t, Options{})
	payloads := map[string][]byte{
		"alpha": []byte("hello"),
		"beta":  {0, 1, 2, 3, 255},
		"gamma": []byte("a much longer payload that spans more bytes"),
		"empty": {},
	}
	for k, v := range payloads {
		require.NoError(t, rf.Insert(k, v))
	}
	for k, v := range payloads {
		got, err := rf.Read(k)
		require.NoError(t, err)
		assert.Equal(t, v, got, "payload for %q", k)
	}
	assert.Equal(t, len(payloads), rf.RecordCount())
}

func TestInsertDuplicate(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("k", []byte("original")))

	err := rf.Insert("k", []byte("other"))
	require.ErrorIs(t, err, ErrDuplicateKey)
	err = rf.QuickInsert("k", []byte("other"))
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestUpdateInPlace(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("k", []byte{1, 2, 3}))
	ptr := rf.index["k"].dataPtr

	require.NoError(t, rf.Update("k", []byte{9, 9, 9}))
	assert.Equal(t, ptr, rf.index["k"].dataPtr, "fitting update must not move the record")

	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, got)

	// shrinking also stays in place, capacity is kept
	require.NoError(t, rf.Update("k", []byte{7}))
	assert.Equal(t, ptr, rf.index["k"].dataPtr)
	assert.EqualValues(t, 3, rf.index["k"].capacity)
	got, err = rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got)
}

func TestUpdateRelocatesAndFreesOldBlock(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("k", []byte{1, 2, 3}))
	oldPtr := rf.index["k"].dataPtr

	require.NoError(t, rf.Update("k", []byte("0123456789")))
	require.NotEqual(t, oldPtr, rf.index["k"].dataPtr, "growing update must relocate")
	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got)

	// the freed 3-byte block must be reused without growing the file
	sizeBefore := fileSize(t, rf.Path())
	require.NoError(t, rf.Insert("small", []byte{4, 5}))
	assert.Equal(t, oldPtr, rf.index["small"].dataPtr, "first fit should pick the freed block")
	assert.Equal(t, sizeBefore, fileSize(t, rf.Path()))
}

func assertFreeLiveDisjoint(t *testing.T, rf *RecordsFile) {
	t.Helper()
	for _, b := range rf.free.blocks {
		for _, s := range rf.slots {
			overlap := b.off < s.dataPtr+s.capacity && s.dataPtr < b.off+b.length
			assert.False(t, overlap, "free block [%d,%d) overlaps record %q [%d,%d)",
				b.off, b.off+b.length, s.key, s.dataPtr, s.dataPtr+s.capacity)
		}
	}
}

func TestUpdateFailureKeepsLiveBlockOffFreeSet(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", []byte{1, 2, 3}))
	require.NoError(t, rf.f.Close()) // every write from here on fails

	err := rf.Update("a", []byte("0123456789"))
	require.Error(t, err)
	assert.Zero(t, rf.free.count(), "the live block must not become allocatable")
	assert.True(t, rf.Exists("a"))
	assertFreeLiveDisjoint(t, rf)

	// a retry fails the same way, never double-releasing
	err = rf.Update("a", []byte("0123456789"))
	require.Error(t, err)
	assert.Zero(t, rf.free.count())
	assertFreeLiveDisjoint(t, rf)
}

func TestUpdateFailureRestoresTakenFreeBlock(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", []byte{1, 2, 3}))
	require.NoError(t, rf.Insert("pad", make([]byte, 20)))
	padPtr := rf.index["pad"].dataPtr
	require.NoError(t, rf.Delete("pad"))
	require.Equal(t, 1, rf.free.count())
	require.NoError(t, rf.f.Close())

	err := rf.Update("a", []byte("0123456789"))
	require.Error(t, err)
	require.Equal(t, 1, rf.free.count(), "the taken block must return to the free set")
	assert.Equal(t, padPtr, rf.free.blocks[0].off)
	assert.EqualValues(t, 20, rf.free.blocks[0].length)
	assertFreeLiveDisjoint(t, rf)
}

func TestDeleteFailureKeepsRecordLive(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", []byte("1234")))
	require.NoError(t, rf.Insert("b", []byte("5678")))
	require.NoError(t, rf.f.Close())

	// the compaction write for "b" fails, so "a" must stay fully live
	err := rf.Delete("a")
	require.Error(t, err)
	assert.Zero(t, rf.free.count())
	assert.True(t, rf.Exists("a"))
	assert.True(t, rf.Exists("b"))
	assert.Equal(t, 2, rf.RecordCount())
	assert.Equal(t, 1, rf.index["b"].pos)
	assertFreeLiveDisjoint(t, rf)
}

func TestDeleteThenReinsert(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("k", []byte("v")))
	require.NoError(t, rf.Delete("k"))

	assert.False(t, rf.Exists("k"))
	_, err := rf.Read("k")
	require.ErrorIs(t, err, ErrKeyNotFound)

	err = rf.Delete("k")
	require.ErrorIs(t, err, ErrNotFoundOnDelete)
	require.ErrorIs(t, err, ErrKeyNotFound, "not-found errors share one class")

	require.NoError(t, rf.Insert("k", []byte("v2")))
	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestUpdateMissing(t *testing.T) {
	rf := newTestStore(t, Options{})
	err := rf.Update("nope", []byte("v"))
	require.ErrorIs(t, err, ErrNotFoundOnUpdate)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteMergesAdjacentFreeBlocks(t *testing.T) {
	rf := newTestStore(t, Options{})
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, rf.Insert(k, []byte("1234")))
	}
	bPtr := rf.index["b"].dataPtr
	require.NoError(t, rf.Delete("b"))
	require.NoError(t, rf.Delete("c"))
	require.Equal(t, 1, rf.free.count(), "adjacent blocks must merge")

	// an 8-byte payload fits the merged block, so the file must not grow
	sizeBefore := fileSize(t, rf.Path())
	require.NoError(t, rf.Insert("e", []byte("12345678")))
	assert.Equal(t, bPtr, rf.index["e"].dataPtr)
	assert.Equal(t, sizeBefore, fileSize(t, rf.Path()))
}

func TestDeleteCompactsIndex(t *testing.T) {
	rf := newTestStore(t, Options{})
	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5"}
	for _, k := range keys {
		require.NoError(t, rf.Insert(k, []byte(k)))
	}
	require.NoError(t, rf.Delete("k2"))
	assert.Equal(t, 5, rf.RecordCount())

	for _, k := range keys {
		if k == "k2" {
			continue
		}
		got, err := rf.Read(k)
		require.NoError(t, err)
		assert.Equal(t, []byte(k), got)
	}
	// slot positions must stay contiguous
	for i, s := range rf.slots {
		assert.Equal(t, i, s.pos)
	}
}

func TestQuickInsertSkipsFreeSpace(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", []byte("1234")))
	freed := rf.index["a"].dataPtr
	require.NoError(t, rf.Delete("a"))

	sizeBefore := fileSize(t, rf.Path())
	require.NoError(t, rf.QuickInsert("b", []byte("12")))
	assert.NotEqual(t, freed, rf.index["b"].dataPtr, "quick insert must append, not reuse")
	assert.Greater(t, fileSize(t, rf.Path()), sizeBefore)
}

func TestIndexGrowthRelocation(t *testing.T) {
	rf := newTestStore(t, Options{InitialSlots: 2})
	start := rf.dataStart
	for i := 0; i < 10; i++ {
		require.NoError(t, rf.Insert(string(rune('a'+i)), []byte{byte(i), byte(i + 1)}))
	}
	assert.Greater(t, rf.dataStart, start, "watermark must advance past the reserved slots")
	assert.GreaterOrEqual(t, rf.dataStart, rf.layout.indexEnd(10))

	for i := 0; i < 10; i++ {
		got, err := rf.Read(string(rune('a' + i)))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, got)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("a", []byte("1234")))
	require.NoError(t, rf.Insert("b", []byte("5678")))
	aPtr := rf.index["a"].dataPtr
	require.NoError(t, rf.Delete("a"))
	require.NoError(t, rf.Close())

	rf, err = Open(path, Options{})
	require.NoError(t, err)
	defer rf.Close()

	assert.Equal(t, 1, rf.RecordCount())
	got, err := rf.Read("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("5678"), got)

	// the free set is rebuilt from the index: a's old block is reusable
	sizeBefore := fileSize(t, path)
	require.NoError(t, rf.Insert("c", []byte("12")))
	assert.Equal(t, aPtr, rf.index["c"].dataPtr)
	assert.Equal(t, sizeBefore, fileSize(t, path))
}

func TestDoubleClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("k", []byte("v")))
	require.NoError(t, rf.Close())

	require.ErrorIs(t, rf.Close(), os.ErrClosed)

	// the second close changed nothing on disk
	rf, err = Open(path, Options{})
	require.NoError(t, err)
	defer rf.Close()
	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.rdb")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))
	_, err := Open(path, Options{})
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestOpenRejectsBadDataStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("k", []byte("v")))
	require.NoError(t, rf.Close())

	// point the data-start pointer past the end of the file
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, DefaultDataStartLoc)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestOpenRejectsDuplicateKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("aaa", []byte("1")))
	require.NoError(t, rf.Insert("bbb", []byte("2")))
	l := rf.layout
	require.NoError(t, rf.Close())

	// overwrite slot 1's key bytes with slot 0's key
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("aaa"), l.slotOffset(1)+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrBadFormat)
	require.ErrorContains(t, err, "duplicate")
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("k", []byte("v")))
	require.NoError(t, rf.Close())

	rf, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer rf.Close()

	got, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.ErrorIs(t, rf.Insert("x", nil), ErrReadOnly)
	require.ErrorIs(t, rf.QuickInsert("x", nil), ErrReadOnly)
	require.ErrorIs(t, rf.Update("k", nil), ErrReadOnly)
	require.ErrorIs(t, rf.Delete("k"), ErrReadOnly)

	_, err = Create(filepath.Join(t.TempDir(), "new.rdb"), Options{ReadOnly: true})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestCreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.rdb")
	rf, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	_, err = Create(path, Options{})
	require.ErrorIs(t, err, os.ErrExist)
}

func TestCacheSizeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.rdb")
	_, err := Create(path, Options{CacheSize: -1})
	require.ErrorIs(t, err, ErrCacheSize)
	assert.NoFileExists(t, path, "construction errors must precede file creation")
}

func TestBadLayoutRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.rdb")
	_, err := Create(path, Options{Layout: Layout{MaxKeyLen: 1}})
	require.ErrorIs(t, err, ErrBadLayout)
	assert.NoFileExists(t, path)
}

func TestBadKey(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.ErrorIs(t, rf.Insert("", []byte("v")), ErrBadKey)

	long := make([]byte, rf.layout.maxKeyBytes()+1)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorIs(t, rf.Insert(string(long), []byte("v")), ErrBadKey)

	// a key that exactly fills the key region is fine
	require.NoError(t, rf.Insert(string(long[1:]), []byte("v")))
}

func TestCacheInvalidationOnUpdate(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", []byte("old")))

	got, err := rf.Read("a")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got)

	require.NoError(t, rf.Update("a", []byte("new")))
	got, err = rf.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got, "a cached payload must never survive a write")
}

func TestCacheEviction(t *testing.T) {
	rf := newTestStore(t, Options{CacheSize: 2})
	require.NoError(t, rf.Insert("a", []byte{1, 2, 3}))
	require.NoError(t, rf.Insert("b", []byte{4, 5}))

	_, err := rf.Read("a")
	require.NoError(t, err)
	_, err = rf.Read("b")
	require.NoError(t, err)
	_, err = rf.Read("a") // promotes "a" over "b"
	require.NoError(t, err)

	require.NoError(t, rf.Insert("c", []byte{6}))
	_, err = rf.Read("c") // fills the cache, evicting "b"
	require.NoError(t, err)

	assert.Contains(t, rf.cache.entries, "a")
	assert.Contains(t, rf.cache.entries, "c")
	assert.NotContains(t, rf.cache.entries, "b")

	// eviction only dropped the cache entry, the record is intact
	misses := rf.CacheStats().Misses
	got, err := rf.Read("b")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got)
	assert.Equal(t, misses+1, rf.CacheStats().Misses)
}

func TestReturnedPayloadIsCallersCopy(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("k", []byte{1, 2, 3}))

	got, err := rf.Read("k")
	require.NoError(t, err)
	got[0] = 99

	again, err := rf.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again)
}

func TestKeys(t *testing.T) {
	rf := newTestStore(t, Options{})
	require.NoError(t, rf.Insert("a", nil))
	require.NoError(t, rf.Insert("b", nil))
	require.NoError(t, rf.Insert("c", nil))
	require.NoError(t, rf.Delete("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, rf.Keys())
}

func TestCustomLayout(t *testing.T) {
	layout := Layout{
		HeaderRegionLen: 32,
		DataStartLoc:    8,
		MaxKeyLen:       16,
		SlotHeaderLen:   12,
	}
	path := filepath.Join(t.TempDir(), "custom.rdb")
	rf, err := Create(path, Options{Layout: layout, InitialSlots: 4})
	require.NoError(t, err)
	require.NoError(t, rf.Insert("short", []byte("payload")))
	require.NoError(t, rf.Close())

	rf, err = Open(path, Options{Layout: layout})
	require.NoError(t, err)
	defer rf.Close()
	got, err := rf.Read("short")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	// opening with a mismatched geometry must refuse, not misread
	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrBadFormat)
}
