package table

import (
	"encoding/binary"
)

// MBRTailSize is the length of the packed block written at byte 440 of
// sector 0: disk signature, reserved, four entries, boot signature.
const MBRTailSize = 72

// mbrEntryBase is the offset of the first partition entry inside the
// 72-byte tail (byte 446 of the sector).
const mbrEntryBase = 6

// MBREntry is one 16-byte MBR/EBR partition entry.
type MBREntry struct {
	Boot            byte
	FirstCHS        [3]byte
	Type            byte
	LastCHS         [3]byte
	RelativeSectors uint32
	TotalSectors    uint32
}

// LBAToCHS encodes an LBA using the fixed 255/63 geometry, following
// the MS-DOS packing convention with the cylinder saturating at 0x3FF.
func LBAToCHS(lba uint64) [3]byte {
	const (
		hpc = 255 // heads per cylinder
		spt = 63  // sectors per track
	)
	s := lba % spt
	c := lba / spt
	h := c % hpc
	c = c / hpc

	var sectorBits byte
	if s != 0 {
		sectorBits = byte(s + 1)
	}
	return [3]byte{
		byte(h),
		byte((c&0x300)>>2) | sectorBits,
		byte(c & 0xFF),
	}
}

// SetCHS fills both CHS fields from the entry's LBA range.
func (e *MBREntry) SetCHS() {
	e.FirstCHS = LBAToCHS(uint64(e.RelativeSectors))
	e.LastCHS = LBAToCHS(uint64(e.RelativeSectors) + uint64(e.TotalSectors) - 1)
}

func (e *MBREntry) encodeInto(buf []byte) {
	buf[0] = e.Boot
	copy(buf[1:4], e.FirstCHS[:])
	buf[4] = e.Type
	copy(buf[5:8], e.LastCHS[:])
	binary.LittleEndian.PutUint32(buf[8:12], e.RelativeSectors)
	binary.LittleEndian.PutUint32(buf[12:16], e.TotalSectors)
}

// Encode packs the entry into its 16-byte wire form.
func (e *MBREntry) Encode() []byte {
	buf := make([]byte, 16)
	e.encodeInto(buf)
	return buf
}

// EncodeMBRTail packs the disk signature, up to four entries, and the
// 0x55AA boot signature into the 72-byte block stored at byte 440.
func EncodeMBRTail(diskSignature uint32, entries []MBREntry) []byte {
	buf := make([]byte, MBRTailSize)
	binary.LittleEndian.PutUint32(buf[0:4], diskSignature)

	off := mbrEntryBase
	for i := range entries {
		if i >= 4 {
			break
		}
		entries[i].encodeInto(buf[off : off+16])
		off += 16
	}

	buf[70] = 0x55
	buf[71] = 0xAA
	return buf
}

// ProtectiveMBREntry covers LBA 1 through the end of the device with
// the 0xEE type, keeping legacy tools away from a pure-GPT disk.
func ProtectiveMBREntry(imageSize uint64) MBREntry {
	e := MBREntry{
		Type:            0xEE,
		RelativeSectors: 1,
		TotalSectors:    uint32(imageSize/SectorSize - 1),
	}
	e.SetCHS()
	return e
}

// HybridMBREntry covers LBA 1 through the primary GPT array for a
// hybrid table.
func HybridMBREntry(gptLocation uint64) MBREntry {
	e := MBREntry{
		Type:            0xEE,
		RelativeSectors: 1,
		TotalSectors:    uint32(gptLocation/SectorSize) + GPTSectors - 2,
	}
	e.SetCHS()
	return e
}

// EncodeEBR packs a 512-byte extended boot record holding the given
// entries (the current logical partition and, when present, the link
// entry) with the boot signature at bytes 510/511.
func EncodeEBR(entries []MBREntry) []byte {
	buf := make([]byte, SectorSize)
	off := 446
	for i := range entries {
		if i >= 4 {
			break
		}
		entries[i].encodeInto(buf[off : off+16])
		off += 16
	}
	buf[510] = 0x55
	buf[511] = 0xAA
	return buf
}
