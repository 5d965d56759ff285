package table

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
)

func TestParseType(t *testing.T) {
	for _, c := range []struct {
		in   string
		want Type
	}{
		{"none", TypeNone},
		{"mbr", TypeMBR},
		{"dos", TypeMBR},
		{"gpt", TypeGPT},
		{"hybrid", TypeHybrid},
	} {
		got, err := ParseType(c.in)
		if err != nil {
			t.Fatalf("ParseType(%q) failed: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseType(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseType("msdos"); err == nil {
		t.Fatalf("ParseType should reject unknown table types")
	}
}

func TestLBAToCHS(t *testing.T) {
	// LBA 0 is head 0, sector... the s==0 case packs a zero sector.
	if got := LBAToCHS(0); got != [3]byte{0, 0, 0} {
		t.Fatalf("LBAToCHS(0) = %v", got)
	}
	// LBA 1: s=1, c=0, h=0 -> sector bits s+1.
	if got := LBAToCHS(1); got != [3]byte{0, 2, 0} {
		t.Fatalf("LBAToCHS(1) = %v", got)
	}
	// One full track: lba 63 -> s=0, c=1, h=1.
	if got := LBAToCHS(63); got != [3]byte{1, 0, 0} {
		t.Fatalf("LBAToCHS(63) = %v", got)
	}
}

func TestEncodeMBRTail(t *testing.T) {
	e := MBREntry{
		Boot:            0x80,
		Type:            0x83,
		RelativeSectors: 1,
		TotalSectors:    8192,
	}
	e.SetCHS()
	buf := EncodeMBRTail(0xDEADBEEF, []MBREntry{e})

	if len(buf) != MBRTailSize {
		t.Fatalf("tail length = %d, want %d", len(buf), MBRTailSize)
	}
	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != 0xDEADBEEF {
		t.Fatalf("disk signature = 0x%08x", sig)
	}
	if buf[6] != 0x80 {
		t.Fatalf("boot flag = 0x%02x", buf[6])
	}
	if buf[6+4] != 0x83 {
		t.Fatalf("partition type = 0x%02x", buf[10])
	}
	if rel := binary.LittleEndian.Uint32(buf[6+8 : 6+12]); rel != 1 {
		t.Fatalf("relative sectors = %d", rel)
	}
	if total := binary.LittleEndian.Uint32(buf[6+12 : 6+16]); total != 8192 {
		t.Fatalf("total sectors = %d", total)
	}
	if buf[70] != 0x55 || buf[71] != 0xAA {
		t.Fatalf("boot signature = %02x %02x", buf[70], buf[71])
	}
}

func TestProtectiveMBREntry(t *testing.T) {
	e := ProtectiveMBREntry(16 * 1024 * 1024)
	if e.Type != 0xEE {
		t.Fatalf("type = 0x%02x, want 0xEE", e.Type)
	}
	if e.RelativeSectors != 1 {
		t.Fatalf("relative sectors = %d", e.RelativeSectors)
	}
	if e.TotalSectors != 32767 {
		t.Fatalf("total sectors = %d, want 32767", e.TotalSectors)
	}
}

func TestEncodeEBRPlacesEntriesAtTableOffset(t *testing.T) {
	e := MBREntry{Type: 0x83, RelativeSectors: 1, TotalSectors: 2048}
	buf := EncodeEBR([]MBREntry{e, {Type: PartitionTypeExtended}})
	if len(buf) != 512 {
		t.Fatalf("EBR length = %d", len(buf))
	}
	if buf[446+4] != 0x83 {
		t.Fatalf("entry 0 type = 0x%02x", buf[446+4])
	}
	if buf[462+4] != PartitionTypeExtended {
		t.Fatalf("entry 1 type = 0x%02x", buf[462+4])
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		t.Fatalf("EBR boot signature missing")
	}
}

func TestEncodeGUIDMixedEndian(t *testing.T) {
	u := uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
	got := EncodeGUID(u)
	want := [16]byte{
		0x28, 0x73, 0x2a, 0xc1, // time-low, little-endian
		0x1f, 0xf8, // time-mid
		0xd2, 0x11, // time-high
		0xba, 0x4b, // clock-seq, big-endian
		0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}
	if got != want {
		t.Fatalf("EncodeGUID = %x, want %x", got, want)
	}
}

func TestGPTHeaderCRC(t *testing.T) {
	hdr := GPTHeader{
		CurrentLBA:     1,
		BackupLBA:      32767,
		FirstUsableLBA: 34,
		LastUsableLBA:  32734,
		StartingLBA:    2,
		TableCRC:       0x12345678,
	}
	buf := hdr.Encode()

	if string(buf[0:8]) != "EFI PART" {
		t.Fatalf("signature = %q", buf[0:8])
	}
	if rev := binary.LittleEndian.Uint32(buf[8:12]); rev != GPTRevision10 {
		t.Fatalf("revision = 0x%08x", rev)
	}
	if size := binary.LittleEndian.Uint32(buf[12:16]); size != GPTHeaderSize {
		t.Fatalf("header size = %d", size)
	}

	stored := binary.LittleEndian.Uint32(buf[16:20])
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	binary.LittleEndian.PutUint32(scratch[16:20], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		t.Fatalf("header CRC does not validate")
	}
}

func TestGPTEntryEncoding(t *testing.T) {
	typeGUID := EncodeGUID(uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4"))
	partGUID := EncodeGUID(uuid.New())
	entries := []GPTEntry{{
		TypeGUID: typeGUID,
		GUID:     partGUID,
		FirstLBA: 34,
		LastLBA:  8225,
		Flags:    GPTFlagBootable | GPTFlagReadOnly,
		Name:     "root",
	}}
	buf := EncodeGPTTable(entries)

	if len(buf) != GPTEntries*GPTEntrySize {
		t.Fatalf("table length = %d", len(buf))
	}
	if !bytes.Equal(buf[0:16], typeGUID[:]) {
		t.Fatalf("type GUID mismatch")
	}
	if first := binary.LittleEndian.Uint64(buf[32:40]); first != 34 {
		t.Fatalf("first LBA = %d", first)
	}
	if last := binary.LittleEndian.Uint64(buf[40:48]); last != 8225 {
		t.Fatalf("last LBA = %d", last)
	}
	flags := binary.LittleEndian.Uint64(buf[48:56])
	if flags != (uint64(1)<<2)|(uint64(1)<<60) {
		t.Fatalf("flags = 0x%016x", flags)
	}
	// "root" as UTF-16LE.
	if buf[56] != 'r' || buf[57] != 0 || buf[58] != 'o' {
		t.Fatalf("name not UTF-16LE encoded: % x", buf[56:64])
	}
	// Second slot untouched.
	for _, b := range buf[GPTEntrySize : 2*GPTEntrySize] {
		if b != 0 {
			t.Fatalf("unused entry not zero")
		}
	}
}

func TestResolveTypeGUID(t *testing.T) {
	linux := uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	for _, alias := range []string{"L", "linux", "linux-generic"} {
		got, err := ResolveTypeGUID(alias)
		if err != nil {
			t.Fatalf("ResolveTypeGUID(%q) failed: %v", alias, err)
		}
		if got != linux {
			t.Fatalf("ResolveTypeGUID(%q) = %s", alias, got)
		}
	}

	explicit := "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	got, err := ResolveTypeGUID(explicit)
	if err != nil || got != uuid.MustParse(explicit) {
		t.Fatalf("explicit UUID not accepted: %v", err)
	}

	if _, err := ResolveTypeGUID("no-such-alias"); err == nil {
		t.Fatalf("unknown alias must fail")
	}
}
