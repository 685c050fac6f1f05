package recordsfile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// RecordsFile is a keyed record store in a single flat file: a fixed header
// region, a growable region of fixed-size index slots and a data region of
// variable-length payloads. The in-memory index, the free-block set and the
// read cache are owned by the engine and guarded by one coarse lock.
//
// The file handle is exclusively owned by the engine for its lifetime;
// Close is the only release path. There are no retries: disk errors
// propagate to the caller wrapped with operation context.
type RecordsFile struct {
	mu       sync.RWMutex
	f        *os.File
	path     string
	readOnly bool
	layout   Layout

	fileLen   int64
	dataStart int64
	slots     []*slot // by slot position, len(slots) == record count
	index     map[string]*slot
	free      freeList
	cache     *readCache
}

// Options configure a store at Create/Open time. Zero values take defaults.
type Options struct {
	// ReadOnly opens the file for reading only; every mutating call fails
	// with ErrReadOnly. Only meaningful for Open.
	ReadOnly bool
	// InitialSlots is the number of index slots reserved at creation.
	// The index grows past it by relocating leading data blocks.
	InitialSlots int
	// CacheSize is the read cache capacity in entries. Must be > 0.
	CacheSize int
	// Layout overrides the on-disk geometry. Must match the layout the
	// file was created with.
	Layout Layout
}

func (o Options) withDefaults() Options {
	if o.InitialSlots == 0 {
		o.InitialSlots = DefaultInitialSlots
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	o.Layout = o.Layout.withDefaults()
	return o
}

// Create makes a new store file at path. Fails if the file already exists.
func Create(path string, opts Options) (*RecordsFile, error) {
	opts = opts.withDefaults()
	if err := opts.Layout.validate(); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("cannot create a store: %w", ErrReadOnly)
	}
	cache, err := newReadCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if opts.InitialSlots < 1 {
		return nil, fmt.Errorf("%w: initial slot count %d", ErrBadLayout, opts.InitialSlots)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	l := opts.Layout
	rf := &RecordsFile{
		f:         f,
		path:      path,
		layout:    l,
		dataStart: l.indexEnd(opts.InitialSlots),
		index:     make(map[string]*slot),
		cache:     cache,
	}
	rf.fileLen = rf.dataStart
	if err := rf.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	// zero the index region so the file covers it
	if err := f.Truncate(rf.fileLen); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("reserve index region: %w", err)
	}
	return rf, nil
}

// Open opens an existing store file and rebuilds the in-memory index and
// free-block set from the persisted header and index region. Structural
// problems fail with ErrBadFormat and the file is not opened.
func Open(path string, opts Options) (*RecordsFile, error) {
	opts = opts.withDefaults()
	l := opts.Layout
	if err := l.validate(); err != nil {
		return nil, err
	}
	cache, err := newReadCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	rf := &RecordsFile{
		f:        f,
		path:     path,
		readOnly: opts.ReadOnly,
		layout:   l,
		index:    make(map[string]*slot),
		cache:    cache,
	}
	if err := rf.load(); err != nil {
		f.Close()
		return nil, err
	}
	return rf, nil
}

// load reads the header and index region, validates structure and derives
// the free-block set from the gaps between live data ranges.
func (rf *RecordsFile) load() error {
	st, err := rf.f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	rf.fileLen = st.Size()
	l := rf.layout

	if rf.fileLen < int64(l.HeaderRegionLen) {
		return fmt.Errorf("%w: %d bytes is shorter than the %d-byte header region", ErrBadFormat, rf.fileLen, l.HeaderRegionLen)
	}
	hdr := make([]byte, l.HeaderRegionLen)
	if _, err := rf.f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	numRecords, dataStart := l.decodeHeader(hdr)
	if dataStart < l.indexEnd(numRecords) || dataStart > rf.fileLen {
		return fmt.Errorf("%w: data start %d out of bounds for %d records in a %d-byte file", ErrBadFormat, dataStart, numRecords, rf.fileLen)
	}
	rf.dataStart = dataStart

	if numRecords > 0 {
		region := make([]byte, numRecords*l.slotSize())
		if _, err := rf.f.ReadAt(region, int64(l.HeaderRegionLen)); err != nil {
			return fmt.Errorf("read index region: %w", err)
		}
		rf.slots = make([]*slot, numRecords)
		for i := 0; i < numRecords; i++ {
			s, err := l.decodeSlot(region[i*l.slotSize():(i+1)*l.slotSize()], i)
			if err != nil {
				return err
			}
			if _, dup := rf.index[s.key]; dup {
				return fmt.Errorf("%w: duplicate key %q in index", ErrBadFormat, s.key)
			}
			if s.length > s.capacity {
				return fmt.Errorf("%w: slot %d length %d exceeds capacity %d", ErrBadFormat, i, s.length, s.capacity)
			}
			if s.dataPtr < rf.dataStart || s.dataPtr+s.capacity > rf.fileLen {
				return fmt.Errorf("%w: slot %d data range [%d,%d) outside the data region", ErrBadFormat, i, s.dataPtr, s.dataPtr+s.capacity)
			}
			rf.slots[i] = s
			rf.index[s.key] = s
		}
	}

	// free blocks are the gaps the live ranges leave in the data region
	byPtr := append([]*slot(nil), rf.slots...)
	sort.Slice(byPtr, func(i, j int) bool { return byPtr[i].dataPtr < byPtr[j].dataPtr })
	pos := rf.dataStart
	for _, s := range byPtr {
		if s.dataPtr < pos {
			return fmt.Errorf("%w: overlapping data ranges at offset %d", ErrBadFormat, s.dataPtr)
		}
		rf.free.release(pos, s.dataPtr-pos)
		pos = s.dataPtr + s.capacity
	}
	rf.free.release(pos, rf.fileLen-pos)
	return nil
}

// Path returns the file path the store was opened with.
func (rf *RecordsFile) Path() string {
	return rf.path
}

// RecordCount returns the number of live records.
func (rf *RecordsFile) RecordCount() int {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return len(rf.slots)
}

// Exists reports whether a record for key is present. No side effects.
func (rf *RecordsFile) Exists(key string) bool {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	_, ok := rf.index[key]
	return ok
}

// Keys returns the live keys in index order.
func (rf *RecordsFile) Keys() []string {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	keys := make([]string, len(rf.slots))
	for i, s := range rf.slots {
		keys[i] = s.key
	}
	return keys
}

// Read returns the payload stored for key, or ErrKeyNotFound. Recently read
// payloads are served from the read cache; a miss reads the data region and
// populates the cache. The returned slice is the caller's to keep.
func (rf *RecordsFile) Read(key string) ([]byte, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if payload, ok := rf.cache.get(key); ok {
		return append([]byte(nil), payload...), nil
	}
	s, ok := rf.index[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	payload := make([]byte, s.length)
	if s.length > 0 {
		if _, err := rf.f.ReadAt(payload, s.dataPtr); err != nil {
			return nil, fmt.Errorf("read record %q: %w", key, err)
		}
	}
	rf.cache.put(key, payload)
	return append([]byte(nil), payload...), nil
}

// Insert adds a new record, reusing a free block (first fit) when one is
// large enough, else appending to the data region. Fails with
// ErrDuplicateKey if the key already has a record.
func (rf *RecordsFile) Insert(key string, payload []byte) error {
	return rf.insert(key, payload, false)
}

// QuickInsert is Insert without the free-block search: the payload always
// goes to the true end of the data region. Trades space reclamation for
// speed on bulk and append-heavy paths.
func (rf *RecordsFile) QuickInsert(key string, payload []byte) error {
	return rf.insert(key, payload, true)
}

func (rf *RecordsFile) insert(key string, payload []byte, quick bool) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.writable(); err != nil {
		return err
	}
	if err := rf.checkKey(key); err != nil {
		return err
	}
	if _, ok := rf.index[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	if err := rf.ensureIndexSpace(len(rf.slots) + 1); err != nil {
		return err
	}
	ptr, capacity, err := rf.allocate(int64(len(payload)), quick)
	if err != nil {
		return err
	}
	if err := rf.writePayload(ptr, payload, capacity); err != nil {
		return err
	}
	s := &slot{
		key:      key,
		pos:      len(rf.slots),
		dataPtr:  ptr,
		capacity: capacity,
		length:   int64(len(payload)),
	}
	if err := rf.writeSlot(s); err != nil {
		return err
	}
	rf.slots = append(rf.slots, s)
	rf.index[key] = s
	rf.cache.remove(key)
	return rf.writeHeader()
}

// Update replaces the payload for key. Fits are overwritten in place
// without moving the record; larger payloads relocate to a fresh block,
// keeping the same index slot. The old block joins the free set only once
// the new payload and slot are on disk, so a failed relocation can never
// leave a live range allocatable.
func (rf *RecordsFile) Update(key string, payload []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.writable(); err != nil {
		return err
	}
	s, ok := rf.index[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFoundOnUpdate, key)
	}
	if int64(len(payload)) <= s.capacity {
		if len(payload) > 0 {
			if _, err := rf.f.WriteAt(payload, s.dataPtr); err != nil {
				return fmt.Errorf("overwrite record %q: %w", key, err)
			}
		}
		s.length = int64(len(payload))
		if err := rf.writeSlot(s); err != nil {
			return err
		}
		rf.cache.remove(key)
		return nil
	}

	oldPtr, oldCapacity := s.dataPtr, s.capacity
	ptr, capacity, err := rf.allocate(int64(len(payload)), false)
	if err != nil {
		return err
	}
	if err := rf.writePayload(ptr, payload, capacity); err != nil {
		// a span past the end of the file was never taken from the free set
		if ptr+capacity <= rf.fileLen {
			rf.free.release(ptr, capacity)
		}
		return err
	}
	s.dataPtr = ptr
	s.capacity = capacity
	s.length = int64(len(payload))
	if err := rf.writeSlot(s); err != nil {
		s.dataPtr = oldPtr
		s.capacity = oldCapacity
		rf.free.release(ptr, capacity)
		return err
	}
	rf.free.release(oldPtr, oldCapacity)
	rf.cache.remove(key)
	return nil
}

// Delete removes the record for key, releasing its data block to the free
// set. The last index slot moves into the freed slot so the index region
// stays compact. The block is released only after the compaction write
// succeeds; a failed delete leaves the record fully live.
func (rf *RecordsFile) Delete(key string) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.writable(); err != nil {
		return err
	}
	s, ok := rf.index[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFoundOnDelete, key)
	}

	last := rf.slots[len(rf.slots)-1]
	if last != s {
		oldPos := last.pos
		last.pos = s.pos
		if err := rf.writeSlot(last); err != nil {
			last.pos = oldPos
			return err
		}
		rf.slots[s.pos] = last
	}
	rf.slots = rf.slots[:len(rf.slots)-1]
	delete(rf.index, key)
	rf.free.release(s.dataPtr, s.capacity)
	rf.cache.remove(key)
	return rf.writeHeader()
}

// Invalidate drops key's read cache entry if present. Safe to call for
// keys that are absent or not cached.
func (rf *RecordsFile) Invalidate(key string) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.cache.remove(key)
}

// CacheStats are cumulative read cache counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

func (rf *RecordsFile) CacheStats() CacheStats {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return CacheStats{Hits: rf.cache.hits, Misses: rf.cache.misses}
}

// WriteTo streams a consistent image of the store file to w. The engine
// lock is held for the duration, so no mutation can interleave.
func (rf *RecordsFile) WriteTo(w io.Writer) (int64, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return io.Copy(w, io.NewSectionReader(rf.f, 0, rf.fileLen))
}

// Close flushes the header and releases the file handle. A second Close
// returns an error from the closed handle but never corrupts the file.
func (rf *RecordsFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if !rf.readOnly {
		if err := rf.writeHeader(); err != nil {
			return err
		}
		if err := rf.f.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return rf.f.Close()
}

func (rf *RecordsFile) writable() error {
	if rf.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (rf *RecordsFile) checkKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty", ErrBadKey)
	}
	if len(key) > rf.layout.maxKeyBytes() {
		return fmt.Errorf("%w: %d bytes exceeds the %d-byte key region", ErrBadKey, len(key), rf.layout.maxKeyBytes())
	}
	return nil
}

// allocate picks space for a payload of n bytes: first-fit from the free
// set unless quick, else a fresh span at the end of the file. Zero-length
// payloads still own one byte so live ranges stay disjoint.
func (rf *RecordsFile) allocate(n int64, quick bool) (ptr, capacity int64, err error) {
	if n == 0 {
		n = 1
	}
	if !quick {
		if b, ok := rf.free.allocate(n); ok {
			return b.off, b.length, nil
		}
	}
	if rf.fileLen+n > maxFileSize {
		return 0, 0, fmt.Errorf("data region would exceed the 4 GiB layout limit")
	}
	return rf.fileLen, n, nil
}

// writePayload writes the payload at ptr and makes sure the file covers the
// block's full capacity.
func (rf *RecordsFile) writePayload(ptr int64, payload []byte, capacity int64) error {
	if len(payload) > 0 {
		if _, err := rf.f.WriteAt(payload, ptr); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	end := ptr + capacity
	if end > rf.fileLen {
		if end > ptr+int64(len(payload)) {
			if err := rf.f.Truncate(end); err != nil {
				return fmt.Errorf("extend data region: %w", err)
			}
		}
		rf.fileLen = end
	}
	return nil
}

// ensureIndexSpace advances the data-start watermark until wantSlots index
// slots fit below it. Leading free blocks are consumed outright; a leading
// live block is relocated to the end of the file first.
func (rf *RecordsFile) ensureIndexSpace(wantSlots int) error {
	l := rf.layout
	for l.indexEnd(wantSlots) > rf.dataStart {
		if b, ok := rf.free.blockAt(rf.dataStart); ok {
			rf.dataStart += b.length
			continue
		}
		if rf.dataStart == rf.fileLen {
			// empty data region, move the watermark directly
			rf.dataStart = l.indexEnd(wantSlots)
			if err := rf.f.Truncate(rf.dataStart); err != nil {
				return fmt.Errorf("extend index region: %w", err)
			}
			rf.fileLen = rf.dataStart
			break
		}
		s := rf.slotAt(rf.dataStart)
		if s == nil {
			return fmt.Errorf("%w: nothing accounts for data offset %d", ErrBadFormat, rf.dataStart)
		}
		if err := rf.relocate(s); err != nil {
			return err
		}
	}
	return rf.writeHeader()
}

// relocate moves s's data block to the end of the file, keeping its
// capacity, and advances the data-start watermark over the vacated span.
func (rf *RecordsFile) relocate(s *slot) error {
	newPtr := rf.fileLen
	if newPtr+s.capacity > maxFileSize {
		return fmt.Errorf("data region would exceed the 4 GiB layout limit")
	}
	if s.length > 0 {
		buf := make([]byte, s.length)
		if _, err := rf.f.ReadAt(buf, s.dataPtr); err != nil {
			return fmt.Errorf("read record %q for relocation: %w", s.key, err)
		}
		if _, err := rf.f.WriteAt(buf, newPtr); err != nil {
			return fmt.Errorf("relocate record %q: %w", s.key, err)
		}
	}
	if s.capacity > s.length {
		if err := rf.f.Truncate(newPtr + s.capacity); err != nil {
			return fmt.Errorf("extend data region: %w", err)
		}
	}
	rf.fileLen = newPtr + s.capacity
	rf.dataStart = s.dataPtr + s.capacity
	s.dataPtr = newPtr
	return rf.writeSlot(s)
}

func (rf *RecordsFile) slotAt(ptr int64) *slot {
	for _, s := range rf.slots {
		if s.dataPtr == ptr {
			return s
		}
	}
	return nil
}

func (rf *RecordsFile) writeSlot(s *slot) error {
	if _, err := rf.f.WriteAt(rf.layout.encodeSlot(s), rf.layout.slotOffset(s.pos)); err != nil {
		return fmt.Errorf("write index slot %d: %w", s.pos, err)
	}
	return nil
}

func (rf *RecordsFile) writeHeader() error {
	if _, err := rf.f.WriteAt(rf.layout.encodeHeader(len(rf.slots), rf.dataStart), 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}
