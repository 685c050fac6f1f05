// Package dbaccess is the front door to a records file: it decides per call
// whether the write queue, the storage engine or both get involved, runs
// the queue flush protocol and keeps the read cache honest by invalidating
// after every committed mutation.
package dbaccess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/binfiledb/binfiledb/recordsfile"
	"github.com/binfiledb/binfiledb/writequeue"
)

// ErrQueueOverflow means admission was refused again right after a full
// flush. With a correct engine and queue this cannot happen, so callers
// should treat it as a consistency bug, not a transient condition.
var ErrQueueOverflow = errors.New("write queue refused admission after flush")

// Options configure a DB. The zero value of every field takes a default;
// only Path is required.
type Options struct {
	Path string
	// ReadOnly rejects every mutating call with the engine's ErrReadOnly.
	ReadOnly bool
	// InitialSlots is how many index slots a newly created file reserves.
	InitialSlots int
	// CacheSize is the engine read cache capacity, default 10.
	CacheSize int
	// UseQueue coalesces writes in a bounded queue and defers engine I/O
	// until a flush. QueueSize must be > 0 when set.
	UseQueue  bool
	QueueSize int
	// Layout overrides the on-disk geometry; must match the file.
	Layout recordsfile.Layout
	// Logf, when set, receives open/flush/close breadcrumbs.
	Logf func(format string, args ...any)
}

// DB combines the storage engine and the optional write queue behind one
// mutex, so a flush-triggered run of engine writes can never interleave
// with a concurrent read or write of the same key.
type DB struct {
	mu    sync.Mutex
	rf    *recordsfile.RecordsFile
	queue *writequeue.Queue
	logf  func(format string, args ...any)

	reads  atomic.Uint64
	writes atomic.Uint64
}

// Open opens the store at opts.Path, creating it when it does not exist
// and the handle is writable. Construction parameter errors (queue size,
// cache size, layout) are reported before any file is touched.
func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("no Path provided")
	}
	var queue *writequeue.Queue
	if opts.UseQueue {
		var err error
		queue, err = writequeue.New(opts.QueueSize)
		if err != nil {
			return nil, err
		}
	}

	rfOpts := recordsfile.Options{
		ReadOnly:     opts.ReadOnly,
		InitialSlots: opts.InitialSlots,
		CacheSize:    opts.CacheSize,
		Layout:       opts.Layout,
	}
	var rf *recordsfile.RecordsFile
	var err error
	if _, statErr := os.Lstat(opts.Path); statErr == nil || opts.ReadOnly {
		rf, err = recordsfile.Open(opts.Path, rfOpts)
	} else {
		rf, err = recordsfile.Create(opts.Path, rfOpts)
		if errors.Is(err, os.ErrExist) {
			// someone else created the file since the stat
			rf, err = recordsfile.Open(opts.Path, rfOpts)
		}
	}
	if err != nil {
		return nil, err
	}

	db := &DB{
		rf:    rf,
		queue: queue,
		logf:  opts.Logf,
	}
	db.logvf("dbaccess: opened '%s', %d records\n", opts.Path, rf.RecordCount())
	return db, nil
}

func (db *DB) logvf(format string, args ...any) {
	if db.logf != nil {
		db.logf(format, args...)
	}
}

// Get returns the payload for key. A pending queued write wins over the
// engine, so callers always read their own writes.
func (db *DB) Get(key string) ([]byte, error) {
	db.reads.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.queue != nil {
		if w, ok := db.queue.Peek(key); ok {
			return append([]byte(nil), w.Payload...), nil
		}
	}
	return db.rf.Read(key)
}

// Has reports whether key has a record or a pending queued write.
func (db *DB) Has(key string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.queue != nil {
		if _, ok := db.queue.Peek(key); ok {
			return true
		}
	}
	return db.rf.Exists(key)
}

// Put writes a record, updating an existing one. With the queue enabled the
// write is admitted (coalescing any pending write for the key) and engine
// I/O waits for a flush; a refused admission flushes everything and
// retries once.
func (db *DB) Put(key string, payload []byte) error {
	return db.write(key, payload, false)
}

// Append is Put for append-heavy paths: if the key turns out to be new at
// commit time, its payload goes to the end of the data region without a
// free-space search.
func (db *DB) Append(key string, payload []byte) error {
	return db.write(key, payload, true)
}

func (db *DB) write(key string, payload []byte, appendHint bool) error {
	db.writes.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	w := &writequeue.Write{
		Key:     key,
		Payload: append([]byte(nil), payload...),
		Append:  appendHint,
	}
	if db.queue == nil {
		return db.commit(w)
	}
	if db.queue.Admit(w) {
		return nil
	}
	if err := db.flushLocked(); err != nil {
		return err
	}
	if !db.queue.Admit(w) {
		return fmt.Errorf("%w: key %q", ErrQueueOverflow, key)
	}
	return nil
}

// PutNow writes straight through the engine, ignoring the queue. A pending
// queued write for the same key still flushes later and will supersede
// this value; use it only on keys the queued paths don't touch.
func (db *DB) PutNow(key string, payload []byte) error {
	db.writes.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commit(&writequeue.Write{Key: key, Payload: payload})
}

// AppendNow is PutNow with append semantics for new keys.
func (db *DB) AppendNow(key string, payload []byte) error {
	db.writes.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commit(&writequeue.Write{Key: key, Payload: payload, Append: true})
}

// commit applies one write to the engine: update when the key exists,
// otherwise insert (quick insert for append-flagged writes), then
// invalidates the key's cache entry.
func (db *DB) commit(w *writequeue.Write) error {
	var err error
	switch {
	case db.rf.Exists(w.Key):
		err = db.rf.Update(w.Key, w.Payload)
	case w.Append:
		err = db.rf.QuickInsert(w.Key, w.Payload)
	default:
		err = db.rf.Insert(w.Key, w.Payload)
	}
	if err != nil {
		return err
	}
	db.rf.Invalidate(w.Key)
	return nil
}

// Delete removes key's record. Any pending queued write for the key is
// dropped first so it cannot resurrect the key at the next flush.
func (db *DB) Delete(key string) error {
	db.writes.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.queue != nil {
		db.queue.Drop(key)
	}
	return db.rf.Delete(key)
}

// Flush commits every pending queued write to the engine in admission
// order. A no-op without the queue.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flushLocked()
}

func (db *DB) flushLocked() error {
	if db.queue == nil || db.queue.Len() == 0 {
		return nil
	}
	writes := db.queue.DrainAll()
	for i, w := range writes {
		if err := db.commit(w); err != nil {
			// put the failed write and everything behind it back in the
			// queue; the drain freed enough capacity for all of them
			for _, p := range writes[i:] {
				db.queue.Admit(p)
			}
			return fmt.Errorf("flush of key %q: %w", w.Key, err)
		}
	}
	db.logvf("dbaccess: flushed %d queued writes\n", len(writes))
	return nil
}

// WriteTo flushes the queue and streams a consistent image of the store
// file to w. Mutations wait until the copy is done.
func (db *DB) WriteTo(w io.Writer) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.flushLocked(); err != nil {
		return 0, err
	}
	return db.rf.WriteTo(w)
}

// Stats are the counters a host application typically plots: totals of
// reads and writes through this handle, live records and cache traffic.
type Stats struct {
	Reads       uint64
	Writes      uint64
	Records     int
	CacheHits   uint64
	CacheMisses uint64
}

func (db *DB) Stats() Stats {
	cs := db.rf.CacheStats()
	return Stats{
		Reads:       db.reads.Load(),
		Writes:      db.writes.Load(),
		Records:     db.rf.RecordCount(),
		CacheHits:   cs.Hits,
		CacheMisses: cs.Misses,
	}
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.rf.Path()
}

// Close flushes pending queued writes and closes the engine.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.flushLocked(); err != nil {
		return err
	}
	db.logvf("dbaccess: closing '%s'\n", db.rf.Path())
	return db.rf.Close()
}

// CloseDiscard closes the engine without flushing: pending queued writes
// are lost. The file itself stays consistent, it just never sees them.
func (db *DB) CloseDiscard() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rf.Close()
}
