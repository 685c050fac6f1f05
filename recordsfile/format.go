package recordsfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// On-disk format, all integers big-endian:
//
//   - file header region (HeaderRegionLen bytes):
//     record count (4 bytes at offset 0),
//     data-start pointer (4 bytes at offset DataStartLoc),
//     remaining bytes reserved, zero
//   - index region: one fixed-size slot per live record,
//     slot n at HeaderRegionLen + n*SlotSize:
//     key length (2 bytes) + key bytes, zero-padded to MaxKeyLen,
//     data pointer (4 bytes), data capacity (4 bytes), data length (4 bytes),
//     remaining SlotHeaderLen bytes reserved, zero
//   - data region: payload bytes, starting at the data-start pointer
//
// The data-start pointer is at least the end of the index region and only
// ever moves forward. Data pointers are 4 bytes, which caps a store file
// at 4 GiB.
const (
	DefaultHeaderRegionLen = 16
	DefaultDataStartLoc    = 4
	DefaultMaxKeyLen       = 64
	DefaultSlotHeaderLen   = 16

	DefaultInitialSlots = 16
	DefaultCacheSize    = 10

	maxFileSize = math.MaxUint32
)

// Layout describes the fixed geometry of a store file. All sizes are chosen
// at creation time and must be passed identically on every later Open; they
// are not recorded in the file itself. The zero value means "all defaults".
type Layout struct {
	// HeaderRegionLen is the length of the file header region in bytes.
	HeaderRegionLen int
	// DataStartLoc is the offset of the data-start pointer within the
	// file header region.
	DataStartLoc int
	// MaxKeyLen is the number of bytes reserved per index slot for key
	// material, including the 2-byte length prefix.
	MaxKeyLen int
	// SlotHeaderLen is the number of bytes per index slot after the key
	// region. Holds the data pointer, capacity and length.
	SlotHeaderLen int
}

func (l Layout) withDefaults() Layout {
	if l.HeaderRegionLen == 0 {
		l.HeaderRegionLen = DefaultHeaderRegionLen
	}
	if l.DataStartLoc == 0 {
		l.DataStartLoc = DefaultDataStartLoc
	}
	if l.MaxKeyLen == 0 {
		l.MaxKeyLen = DefaultMaxKeyLen
	}
	if l.SlotHeaderLen == 0 {
		l.SlotHeaderLen = DefaultSlotHeaderLen
	}
	return l
}

func (l Layout) validate() error {
	if l.DataStartLoc < 4 {
		return fmt.Errorf("%w: data-start location %d overlaps the record count", ErrBadLayout, l.DataStartLoc)
	}
	if l.HeaderRegionLen < l.DataStartLoc+4 {
		return fmt.Errorf("%w: header region of %d bytes can't hold a data-start pointer at %d", ErrBadLayout, l.HeaderRegionLen, l.DataStartLoc)
	}
	if l.MaxKeyLen < 3 {
		return fmt.Errorf("%w: key region of %d bytes can't hold any key", ErrBadLayout, l.MaxKeyLen)
	}
	if l.SlotHeaderLen < 12 {
		return fmt.Errorf("%w: slot header of %d bytes can't hold pointer, capacity and length", ErrBadLayout, l.SlotHeaderLen)
	}
	return nil
}

// slotSize is the on-disk size of one index slot.
func (l Layout) slotSize() int {
	return l.MaxKeyLen + l.SlotHeaderLen
}

// slotOffset is the file offset of index slot n.
func (l Layout) slotOffset(n int) int64 {
	return int64(l.HeaderRegionLen) + int64(n)*int64(l.slotSize())
}

// indexEnd is the file offset just past the last of n index slots.
func (l Layout) indexEnd(n int) int64 {
	return l.slotOffset(n)
}

// maxKeyBytes is the longest key the key region can hold.
func (l Layout) maxKeyBytes() int {
	return l.MaxKeyLen - 2
}

// slot is the in-memory image of one index entry.
type slot struct {
	key string
	// pos is the slot's position in the index region. Changes when delete
	// compaction moves the last slot into a freed one.
	pos      int
	dataPtr  int64
	capacity int64
	length   int64
}

func (l Layout) encodeSlot(s *slot) []byte {
	buf := make([]byte, l.slotSize())
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(s.key)))
	copy(buf[2:l.MaxKeyLen], s.key)
	h := buf[l.MaxKeyLen:]
	binary.BigEndian.PutUint32(h[0:4], uint32(s.dataPtr))
	binary.BigEndian.PutUint32(h[4:8], uint32(s.capacity))
	binary.BigEndian.PutUint32(h[8:12], uint32(s.length))
	return buf
}

func (l Layout) decodeSlot(buf []byte, pos int) (*slot, error) {
	keyLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if keyLen == 0 || keyLen > l.maxKeyBytes() {
		return nil, fmt.Errorf("%w: slot %d has key length %d", ErrBadFormat, pos, keyLen)
	}
	h := buf[l.MaxKeyLen:]
	return &slot{
		key:      string(buf[2 : 2+keyLen]),
		pos:      pos,
		dataPtr:  int64(binary.BigEndian.Uint32(h[0:4])),
		capacity: int64(binary.BigEndian.Uint32(h[4:8])),
		length:   int64(binary.BigEndian.Uint32(h[8:12])),
	}, nil
}

func (l Layout) encodeHeader(numRecords int, dataStart int64) []byte {
	buf := make([]byte, l.HeaderRegionLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(numRecords))
	binary.BigEndian.PutUint32(buf[l.DataStartLoc:l.DataStartLoc+4], uint32(dataStart))
	return buf
}

func (l Layout) decodeHeader(buf []byte) (numRecords int, dataStart int64) {
	numRecords = int(binary.BigEndian.Uint32(buf[0:4]))
	dataStart = int64(binary.BigEndian.Uint32(buf[l.DataStartLoc : l.DataStartLoc+4]))
	return numRecords, dataStart
}
