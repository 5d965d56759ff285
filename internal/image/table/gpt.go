package table

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

// EncodeGUID packs a UUID in the UEFI mixed-endian layout: the first
// three groups little-endian, the rest big-endian.
func EncodeGUID(u uuid.UUID) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:], u[8:])
	return b
}

// GPTEntry is one 128-byte partition entry of the GPT array.
type GPTEntry struct {
	TypeGUID [16]byte
	GUID     [16]byte
	FirstLBA uint64
	LastLBA  uint64
	Flags    uint64
	Name     string // stored as UTF-16LE, at most 36 code units
}

func (e *GPTEntry) encodeInto(buf []byte) {
	copy(buf[0:16], e.TypeGUID[:])
	copy(buf[16:32], e.GUID[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.FirstLBA)
	binary.LittleEndian.PutUint64(buf[40:48], e.LastLBA)
	binary.LittleEndian.PutUint64(buf[48:56], e.Flags)

	units := utf16.Encode([]rune(e.Name))
	if len(units) > 36 {
		units = units[:36]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[56+2*i:58+2*i], u)
	}
}

// EncodeGPTTable packs the fixed 128-entry array; unused entries stay
// zero.
func EncodeGPTTable(entries []GPTEntry) []byte {
	buf := make([]byte, GPTEntries*GPTEntrySize)
	for i := range entries {
		if i >= GPTEntries {
			break
		}
		entries[i].encodeInto(buf[i*GPTEntrySize : (i+1)*GPTEntrySize])
	}
	return buf
}

// GPTHeader is the 92-byte GPT header.
type GPTHeader struct {
	Revision       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	StartingLBA    uint64
	NumberEntries  uint32
	EntrySize      uint32
	TableCRC       uint32
}

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// Encode packs the header and stamps the header CRC (computed over the
// 92 bytes with the CRC field zeroed).
func (h *GPTHeader) Encode() []byte {
	buf := make([]byte, GPTHeaderSize)
	copy(buf[0:8], gptSignature[:])
	rev := h.Revision
	if rev == 0 {
		rev = GPTRevision10
	}
	binary.LittleEndian.PutUint32(buf[8:12], rev)
	binary.LittleEndian.PutUint32(buf[12:16], GPTHeaderSize)
	// buf[16:20] header CRC, stamped below; buf[20:24] reserved zero.
	binary.LittleEndian.PutUint64(buf[24:32], h.CurrentLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.BackupLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	copy(buf[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:80], h.StartingLBA)
	num := h.NumberEntries
	if num == 0 {
		num = GPTEntries
	}
	size := h.EntrySize
	if size == 0 {
		size = GPTEntrySize
	}
	binary.LittleEndian.PutUint32(buf[80:84], num)
	binary.LittleEndian.PutUint32(buf[84:88], size)
	binary.LittleEndian.PutUint32(buf[88:92], h.TableCRC)

	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf))
	return buf
}
