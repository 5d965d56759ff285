package handler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
)

func testEnv(t *testing.T) Env {
	t.Helper()
	return Env{Scratch: t.TempDir()}
}

// writeChild creates a child image file and returns its path.
func writeChild(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write child %s: %v", name, err)
	}
	return path
}

func TestHdImageMinimalMBRDisk(t *testing.T) {
	dir := t.TempDir()
	child := writeChild(t, dir, "rootfs.ext4", bytes.Repeat([]byte{0x41}, 4*1024*1024))

	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{{
			Name:             "root",
			ParentImage:      "disk.img",
			InPartitionTable: true,
			Image:            "rootfs.ext4",
			Size:             4 * 1024 * 1024,
			PartitionType:    "0x83",
			Bootable:         true,
		}},
		Dependencies: []image.Dependency{{Image: "rootfs.ext4", Path: child}},
	}
	cfg := config.Dict{
		"partition-table-type": "mbr",
		"align":                int64(512),
		"disk-signature":       "0xDEADBEEF",
	}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := h.Generate(img); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data, err := os.ReadFile(img.OutFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) != 4*1024*1024+512 {
		t.Fatalf("output size = %d, want %d", len(data), 4*1024*1024+512)
	}
	for i := 0; i < 440; i++ {
		if data[i] != 0 {
			t.Fatalf("byte %d before the disk signature is 0x%02x", i, data[i])
		}
	}
	if sig := binary.LittleEndian.Uint32(data[440:444]); sig != 0xDEADBEEF {
		t.Fatalf("disk signature = 0x%08x", sig)
	}
	entry := data[446:462]
	if entry[0] != 0x80 {
		t.Fatalf("boot flag = 0x%02x", entry[0])
	}
	if entry[4] != 0x83 {
		t.Fatalf("partition type = 0x%02x", entry[4])
	}
	if rel := binary.LittleEndian.Uint32(entry[8:12]); rel != 1 {
		t.Fatalf("relative sectors = %d", rel)
	}
	if total := binary.LittleEndian.Uint32(entry[12:16]); total != 8192 {
		t.Fatalf("total sectors = %d", total)
	}
	if data[510] != 0x55 || data[511] != 0xAA {
		t.Fatalf("boot signature = %02x %02x", data[510], data[511])
	}
	for _, i := range []int{512, 1024 * 1024, 4*1024*1024 + 511} {
		if data[i] != 0x41 {
			t.Fatalf("content byte %d = 0x%02x, want 0x41", i, data[i])
		}
	}
}

func TestHdImageGPTWithBackup(t *testing.T) {
	dir := t.TempDir()
	child := writeChild(t, dir, "rootfs.ext4", bytes.Repeat([]byte{0x41}, 4*1024*1024))

	const size = 16 * 1024 * 1024
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    size,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{{
			Name:             "root",
			ParentImage:      "disk.img",
			InPartitionTable: true,
			Image:            "rootfs.ext4",
			Size:             4 * 1024 * 1024,
			Bootable:         true,
		}},
		Dependencies: []image.Dependency{{Image: "rootfs.ext4", Path: child}},
	}
	cfg := config.Dict{
		"partition-table-type": "gpt",
		"align":                int64(512),
	}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := h.Generate(img); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data, err := os.ReadFile(img.OutFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) != size {
		t.Fatalf("output size = %d, want %d", len(data), size)
	}

	// Sector 0: protective MBR with a single 0xEE entry.
	if data[446+4] != 0xEE {
		t.Fatalf("protective entry type = 0x%02x", data[450])
	}
	if total := binary.LittleEndian.Uint32(data[446+12 : 446+16]); total != size/512-1 {
		t.Fatalf("protective entry total sectors = %d", total)
	}
	if data[510] != 0x55 || data[511] != 0xAA {
		t.Fatalf("protective MBR signature missing")
	}

	// Primary header at LBA 1.
	hdr := data[512 : 512+92]
	if string(hdr[0:8]) != "EFI PART" {
		t.Fatalf("GPT signature = %q", hdr[0:8])
	}
	if rev := binary.LittleEndian.Uint32(hdr[8:12]); rev != 0x00010000 {
		t.Fatalf("revision = 0x%08x", rev)
	}
	if cur := binary.LittleEndian.Uint64(hdr[24:32]); cur != 1 {
		t.Fatalf("current LBA = %d", cur)
	}
	if backup := binary.LittleEndian.Uint64(hdr[32:40]); backup != 32767 {
		t.Fatalf("backup LBA = %d", backup)
	}
	if start := binary.LittleEndian.Uint64(hdr[72:80]); start != 2 {
		t.Fatalf("starting LBA = %d", start)
	}

	// Table CRC covers the raw entry array at gpt-location 1024.
	array := data[1024 : 1024+128*128]
	if crc := binary.LittleEndian.Uint32(hdr[88:92]); crc != crc32.ChecksumIEEE(array) {
		t.Fatalf("table CRC mismatch")
	}

	// Header CRC validates with its field zeroed.
	scratch := make([]byte, 92)
	copy(scratch, hdr)
	stored := binary.LittleEndian.Uint32(scratch[16:20])
	binary.LittleEndian.PutUint32(scratch[16:20], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		t.Fatalf("primary header CRC invalid")
	}

	// Backup header in the last sector with the LBAs swapped.
	backup := data[size-512 : size-512+92]
	if cur := binary.LittleEndian.Uint64(backup[24:32]); cur != 32767 {
		t.Fatalf("backup current LBA = %d", cur)
	}
	if b := binary.LittleEndian.Uint64(backup[32:40]); b != 1 {
		t.Fatalf("backup backup LBA = %d", b)
	}
	if start := binary.LittleEndian.Uint64(backup[72:80]); start != 32735 {
		t.Fatalf("backup starting LBA = %d", start)
	}
	copy(scratch, backup)
	stored = binary.LittleEndian.Uint32(scratch[16:20])
	binary.LittleEndian.PutUint32(scratch[16:20], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		t.Fatalf("backup header CRC invalid")
	}

	// Backup array mirrors the primary.
	if !bytes.Equal(array, data[size-33*512:size-512]) {
		t.Fatalf("backup array differs from the primary")
	}
}

func TestHdImageHybridRejectsFourTypedPartitions(t *testing.T) {
	dir := t.TempDir()
	var parts []*image.Partition
	for _, name := range []string{"a", "b", "c", "d"} {
		parts = append(parts, &image.Partition{
			Name:             name,
			ParentImage:      "disk.img",
			InPartitionTable: true,
			Size:             1024 * 1024,
			PartitionType:    "0x83",
		})
	}
	img := &image.Image{
		Name:       "disk.img",
		Kind:       "hdimage",
		Size:       64 * 1024 * 1024,
		OutFile:    filepath.Join(dir, "disk.img"),
		Partitions: parts,
	}
	cfg := config.Dict{"partition-table-type": "hybrid"}

	h := newHdImage(testEnv(t))
	err := h.Setup(img, cfg)
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "Hybrid partition table supports max 3 partitions") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestHdImageOverlapDetection(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    16 * 1024 * 1024,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "first", ParentImage: "disk.img", InPartitionTable: true,
				Offset: 1024 * 1024, Size: 2 * 1024 * 1024, PartitionType: "0x83"},
			{Name: "second", ParentImage: "disk.img", InPartitionTable: true,
				Offset: 2 * 1024 * 1024, Size: 1024 * 1024, PartitionType: "0x83"},
		},
	}
	cfg := config.Dict{"partition-table-type": "mbr"}

	h := newHdImage(testEnv(t))
	err := h.Setup(img, cfg)
	if !errors.Is(err, image.ErrOverlap) {
		t.Fatalf("expected Overlap, got %v", err)
	}
	for _, want := range []string{"first", "second", "0x100000", "0x200000"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("overlap error lacks %q: %v", want, err)
		}
	}
}

func TestHdImageOverlapToleratedByHole(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    16 * 1024 * 1024,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "first", ParentImage: "disk.img", InPartitionTable: true,
				Offset: 1024 * 1024, Size: 2 * 1024 * 1024, PartitionType: "0x83",
				Image: "body.bin",
				Holes: []image.Hole{{Start: 1024 * 1024, End: 2 * 1024 * 1024}}},
			{Name: "second", ParentImage: "disk.img", InPartitionTable: true,
				Offset: 2 * 1024 * 1024, Size: 1024 * 1024, PartitionType: "0x83"},
		},
	}
	cfg := config.Dict{"partition-table-type": "mbr"}

	child := writeChild(t, dir, "body.bin", bytes.Repeat([]byte{0x01}, 512))
	img.Dependencies = []image.Dependency{{Image: "body.bin", Path: child}}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("hole should tolerate the overlap, got %v", err)
	}
}

func TestHdImageAutoresizeFillsRemainder(t *testing.T) {
	dir := t.TempDir()
	const size = 32 * 1024 * 1024
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    size,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "boot", ParentImage: "disk.img", InPartitionTable: true,
				Size: 4 * 1024 * 1024, PartitionType: "0x0c"},
			{Name: "data", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1024 * 1024, PartitionType: "0x83", Autoresize: true},
		},
	}
	cfg := config.Dict{"partition-table-type": "mbr"}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	data := img.Partitions[1]
	want := image.Rounddown(size-data.Offset, 512)
	if data.Size != want {
		t.Fatalf("autoresize size = %d, want %d", data.Size, want)
	}
	if data.Offset+data.Size > size {
		t.Fatalf("autoresize partition exceeds the image")
	}
}

func TestHdImageAutoresizeNeedsImageSize(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "data", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1024 * 1024, PartitionType: "0x83", Autoresize: true},
		},
	}
	h := newHdImage(testEnv(t))
	err := h.Setup(img, config.Dict{"partition-table-type": "mbr"})
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestHdImageRejectsUnalignedPartitionSize(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "odd", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1000, PartitionType: "0x83"},
		},
	}
	h := newHdImage(testEnv(t))
	err := h.Setup(img, config.Dict{"partition-table-type": "mbr"})
	if !errors.Is(err, image.ErrBadSize) {
		t.Fatalf("expected BadSize, got %v", err)
	}
}

func TestHdImageTypeUUIDRequiresGPT(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "root", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1024 * 1024, PartitionTypeUUID: "L"},
		},
	}
	h := newHdImage(testEnv(t))
	err := h.Setup(img, config.Dict{"partition-table-type": "mbr"})
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestHdImageExtendedPartitionLayout(t *testing.T) {
	dir := t.TempDir()
	const size = 64 * 1024 * 1024
	var parts []*image.Partition
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		parts = append(parts, &image.Partition{
			Name:             name,
			ParentImage:      "disk.img",
			InPartitionTable: true,
			Size:             4 * 1024 * 1024,
			PartitionType:    "0x83",
		})
	}
	img := &image.Image{
		Name:       "disk.img",
		Kind:       "hdimage",
		Size:       size,
		OutFile:    filepath.Join(dir, "disk.img"),
		Partitions: parts,
	}
	cfg := config.Dict{"partition-table-type": "mbr", "align": int64(512)}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if h.extendedPart == nil {
		t.Fatalf("no extended partition created for five primaries")
	}

	var logical []*image.Partition
	for _, p := range img.Partitions {
		if p.Logical {
			logical = append(logical, p)
		}
	}
	if len(logical) != 2 {
		t.Fatalf("logical partition count = %d, want 2", len(logical))
	}
	for _, p := range logical {
		if p.Offset == 0 {
			t.Fatalf("logical partition %s has no offset", p.Name)
		}
	}
	end := logical[len(logical)-1]
	if h.extendedPart.Offset+h.extendedPart.Size < end.Offset+end.Size {
		t.Fatalf("extended partition does not cover its logical partitions")
	}

	if err := h.Generate(img); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, err := os.ReadFile(img.OutFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	// Each logical partition is preceded by an EBR one align unit
	// before it.
	for _, p := range logical {
		ebr := data[p.Offset-512 : p.Offset]
		if ebr[510] != 0x55 || ebr[511] != 0xAA {
			t.Fatalf("EBR before %s lacks the boot signature", p.Name)
		}
		if ebr[446+4] != 0x83 {
			t.Fatalf("EBR entry type = 0x%02x", ebr[446+4])
		}
	}
}

func TestHdImageForcedPrimaryBeforeExtendedRejected(t *testing.T) {
	dir := t.TempDir()
	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    64 * 1024 * 1024,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "p1", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1024 * 1024, PartitionType: "0x83", ForcedPrimary: true},
			{Name: "p2", ParentImage: "disk.img", InPartitionTable: true,
				Size: 1024 * 1024, PartitionType: "0x83"},
		},
	}
	cfg := config.Dict{"partition-table-type": "mbr", "extended-partition": int64(2)}

	h := newHdImage(testEnv(t))
	err := h.Setup(img, cfg)
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestHdImageTOCPlacement(t *testing.T) {
	dir := t.TempDir()
	child := writeChild(t, dir, "app.bin", bytes.Repeat([]byte{0x5A}, 8192))

	img := &image.Image{
		Name:    "disk.img",
		Kind:    "hdimage",
		Size:    8 * 1024 * 1024,
		OutFile: filepath.Join(dir, "disk.img"),
		Partitions: []*image.Partition{
			{Name: "app", ParentImage: "disk.img", InPartitionTable: true,
				Image: "app.bin", Offset: 0x100000, Size: 512 * 1024,
				PartitionType: "0x83", Load: true, Boot: 1},
		},
		Dependencies: []image.Dependency{{Image: "app.bin", Path: child}},
	}
	cfg := config.Dict{
		"partition-table-type": "mbr",
		"toc":                  true,
		"toc-offset":           "0x6000",
	}

	h := newHdImage(testEnv(t))
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	var tocPart *image.Partition
	for _, p := range img.Partitions {
		if p.Name == "[TOC]" {
			tocPart = p
		}
	}
	if tocPart == nil {
		t.Fatalf("no [TOC] bookkeeping partition")
	}
	if tocPart.Offset != 0x6000 || tocPart.Size != 64 {
		t.Fatalf("[TOC] placement = offset 0x%x size %d", tocPart.Offset, tocPart.Size)
	}

	if err := h.Generate(img); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, err := os.ReadFile(img.OutFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	entry := data[0x6000 : 0x6000+64]
	if string(entry[0:3]) != "app" || entry[3] != 0 {
		t.Fatalf("TOC name = % x", entry[0:8])
	}
	app := img.Partitions[0]
	if off := binary.LittleEndian.Uint64(entry[32:40]); off != app.Offset {
		t.Fatalf("TOC offset = 0x%x, want 0x%x", off, app.Offset)
	}
	if size := binary.LittleEndian.Uint64(entry[40:48]); size != app.Size {
		t.Fatalf("TOC size = 0x%x, want 0x%x", size, app.Size)
	}
	if entry[48] != 1 || entry[49] != 1 {
		t.Fatalf("TOC load/boot = %d/%d", entry[48], entry[49])
	}
}
