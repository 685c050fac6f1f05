package recordsfile

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by Read when no record exists for the key.
	// The update/delete variants below wrap it, so errors.Is(err, ErrKeyNotFound)
	// is true for every logical miss.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotFoundOnUpdate is returned by Update for a non-existent key.
	ErrNotFoundOnUpdate = fmt.Errorf("update of non-existent record: %w", ErrKeyNotFound)

	// ErrNotFoundOnDelete is returned by Delete for a non-existent key.
	ErrNotFoundOnDelete = fmt.Errorf("delete of non-existent record: %w", ErrKeyNotFound)

	// ErrDuplicateKey is returned by Insert and QuickInsert when the key
	// already has a record.
	ErrDuplicateKey = errors.New("key already exists")

	// ErrBadFormat means the file is structurally invalid: header fields
	// inconsistent with the file length, overlapping data ranges or duplicate
	// keys in the index region. Open refuses such files.
	ErrBadFormat = errors.New("not a valid records file")

	// ErrBadLayout means the Layout configuration is unusable. Detected
	// before any file is created or opened.
	ErrBadLayout = errors.New("invalid layout")

	// ErrCacheSize is returned when the read cache capacity is not positive.
	ErrCacheSize = errors.New("cache size must be greater than 0")

	// ErrReadOnly is returned by mutating calls on a read-only handle.
	ErrReadOnly = errors.New("file is opened read-only")

	// ErrBadKey is returned for an empty key or a key longer than the
	// layout's key region can hold.
	ErrBadKey = errors.New("invalid key")
)
