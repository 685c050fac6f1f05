package recordsfile

import "sort"

// freeBlock is a reclaimed span of the data region.
type freeBlock struct {
	off    int64
	length int64
}

// freeList tracks reclaimed data-region space, sorted by offset. It is
// engine-internal, never persisted: Open rebuilds it from the gaps between
// live entries, so it can't drift from what the index says.
type freeList struct {
	blocks []freeBlock
}

// allocate removes and returns the first block of at least n bytes.
func (fl *freeList) allocate(n int64) (freeBlock, bool) {
	for i, b := range fl.blocks {
		if b.length >= n {
			fl.blocks = append(fl.blocks[:i], fl.blocks[i+1:]...)
			return b, true
		}
	}
	return freeBlock{}, false
}

// release returns a span to the free set, merging with adjacent blocks.
func (fl *freeList) release(off, length int64) {
	if length <= 0 {
		return
	}
	i := sort.Search(len(fl.blocks), func(i int) bool {
		return fl.blocks[i].off >= off
	})
	fl.blocks = append(fl.blocks, freeBlock{})
	copy(fl.blocks[i+1:], fl.blocks[i:])
	fl.blocks[i] = freeBlock{off: off, length: length}

	// merge with the following block
	if i+1 < len(fl.blocks) && fl.blocks[i].off+fl.blocks[i].length == fl.blocks[i+1].off {
		fl.blocks[i].length += fl.blocks[i+1].length
		fl.blocks = append(fl.blocks[:i+1], fl.blocks[i+2:]...)
	}
	// merge with the preceding block
	if i > 0 && fl.blocks[i-1].off+fl.blocks[i-1].length == fl.blocks[i].off {
		fl.blocks[i-1].length += fl.blocks[i].length
		fl.blocks = append(fl.blocks[:i], fl.blocks[i+1:]...)
	}
}

// blockAt removes and returns the block starting exactly at off, if any.
func (fl *freeList) blockAt(off int64) (freeBlock, bool) {
	for i, b := range fl.blocks {
		if b.off == off {
			fl.blocks = append(fl.blocks[:i], fl.blocks[i+1:]...)
			return b, true
		}
		if b.off > off {
			break
		}
	}
	return freeBlock{}, false
}

func (fl *freeList) count() int {
	return len(fl.blocks)
}
