// Package toc packs the fixed-layout table-of-contents side index a
// boot ROM uses to locate partitions without parsing the partition
// table.
package toc

import (
	"encoding/binary"
)

// EntrySize is the packed size of one TOC record.
const EntrySize = 64

// nameField is the byte length of the name field; names are truncated
// to 31 bytes so the terminating zero always fits.
const nameField = 32

// Entry is one TOC record: partition name, placement, and boot flags.
type Entry struct {
	PartitionName string
	Offset        uint64
	Size          uint64
	Load          uint8
	Boot          uint8
}

// Encode packs the entry into its 64-byte wire form.
func (e Entry) Encode() []byte {
	buf := make([]byte, EntrySize)

	name := []byte(e.PartitionName)
	if len(name) > nameField-1 {
		name = name[:nameField-1]
	}
	copy(buf[0:nameField], name)

	binary.LittleEndian.PutUint64(buf[32:40], e.Offset)
	binary.LittleEndian.PutUint64(buf[40:48], e.Size)
	buf[48] = e.Load
	buf[49] = e.Boot
	// bytes 50..63 reserved zero
	return buf
}

// Toc is an ordered sequence of entries stored contiguously at a
// configured offset inside an image.
type Toc struct {
	Offset  uint64
	entries []Entry
}

// New returns an empty TOC placed at the given offset.
func New(offset uint64) *Toc {
	return &Toc{Offset: offset}
}

// Add appends one entry.
func (t *Toc) Add(e Entry) {
	t.entries = append(t.entries, e)
}

// Len returns the number of entries.
func (t *Toc) Len() int { return len(t.entries) }

// Size returns the packed byte size of the TOC region.
func (t *Toc) Size() uint64 { return uint64(len(t.entries)) * EntrySize }

// Encode packs all entries back to back. An empty TOC encodes to nil.
func (t *Toc) Encode() []byte {
	if len(t.entries) == 0 {
		return nil
	}
	buf := make([]byte, 0, t.Size())
	for _, e := range t.entries {
		buf = append(buf, e.Encode()...)
	}
	return buf
}
