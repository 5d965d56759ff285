package handler

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/table"
)

// KD container constants.
const (
	kdImageHeaderMagic = 0x27CB8F93
	kdPartMagic        = 0x91DF6DA4
	kdHeaderVersion    = 2

	kdHeaderSize    = 512 // packed header, zero-padded
	kdPartEntrySize = 256 // packed descriptor, zero-padded

	// kdContentStart is the fixed offset of the first content region.
	kdContentStart = 64 * 1024

	kdAlignment = 4096

	// kburnFlagSPINANDWithOOB marks a child body carrying out-of-band
	// data per page; the flag's low bits encode the page and OOB sizes.
	kburnFlagSPINANDWithOOB = 1024
)

type kdMedium int

const (
	mediumMMC kdMedium = iota
	mediumSPINAND
	mediumSPINOR
)

// kdPartDescriptor is one 256-byte partition descriptor of the KD
// table.
type kdPartDescriptor struct {
	Offset        uint32 // placement on the medium, 4096-aligned
	Size          uint32 // 4096-aligned content size
	EraseSize     uint32
	MaxSize       uint32
	Flag          uint64
	ContentOffset uint32
	ContentSize   uint32
	ContentSHA256 [32]byte
	Name          string
}

func (d *kdPartDescriptor) encode() []byte {
	buf := make([]byte, kdPartEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], kdPartMagic)
	binary.LittleEndian.PutUint32(buf[4:8], d.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], d.Size)
	binary.LittleEndian.PutUint32(buf[12:16], d.EraseSize)
	binary.LittleEndian.PutUint32(buf[16:20], d.MaxSize)
	// buf[20:24] reserved zero
	binary.LittleEndian.PutUint64(buf[24:32], d.Flag)
	binary.LittleEndian.PutUint32(buf[32:36], d.ContentOffset)
	binary.LittleEndian.PutUint32(buf[36:40], d.ContentSize)
	copy(buf[40:72], d.ContentSHA256[:])

	name := []byte(d.Name)
	if len(name) > 31 {
		name = name[:31]
	}
	copy(buf[72:104], name)
	return buf
}

// kdHeader is the 512-byte container header.
type kdHeader struct {
	Flag         uint32
	PartTblNum   uint32
	PartTblCRC32 uint32
	ImageInfo    string
	ChipInfo     string
	BoardInfo    string
}

// encode packs the header; crc is the value stamped into the header
// CRC field (zero while computing it).
func (h *kdHeader) encode(crc uint32) []byte {
	buf := make([]byte, kdHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], kdImageHeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flag)
	binary.LittleEndian.PutUint32(buf[12:16], kdHeaderVersion)
	binary.LittleEndian.PutUint32(buf[16:20], h.PartTblNum)
	binary.LittleEndian.PutUint32(buf[20:24], h.PartTblCRC32)
	copyPadded(buf[24:56], h.ImageInfo)
	copyPadded(buf[56:88], h.ChipInfo)
	copyPadded(buf[88:152], h.BoardInfo)
	return buf
}

func copyPadded(dst []byte, s string) {
	b := []byte(s)
	if len(b) > len(dst)-1 {
		b = b[:len(dst)-1]
	}
	copy(dst, b)
}

type kdRecord struct {
	imageFile string
	desc      kdPartDescriptor
}

// kdImage composes the self-describing vendor container: a 512-byte
// header, a descriptor table, and 4 KiB-aligned content regions
// starting at 64 KiB.
type kdImage struct {
	env    Env
	codec  tableCodec
	header kdHeader
	medium kdMedium

	fileSize uint64
	records  []kdRecord
}

func newKdImage(env Env) *kdImage {
	return &kdImage{env: env}
}

func (h *kdImage) Setup(img *image.Image, cfg config.Dict) error {
	if info, err := os.Stat(img.OutFile); err == nil {
		mode := info.Mode()
		if mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0 {
			return image.Errorf(image.Unsupported, "writing a KD image to a block device is not supported")
		}
	}
	if err := h.parseConfig(cfg); err != nil {
		return err
	}
	h.addVirtualPartitions(img)
	return h.calculateOffsets(img)
}

func (h *kdImage) parseConfig(cfg config.Dict) error {
	h.header.ImageInfo = cfg.GetString("image-info", cfg.GetString("image_info", ""))
	if h.header.ImageInfo == "" {
		return image.Errorf(image.BadConfig, "cannot get 'image-info'")
	}
	h.header.ChipInfo = cfg.GetString("chip-info", cfg.GetString("chip_info", ""))
	if h.header.ChipInfo == "" {
		return image.Errorf(image.BadConfig, "cannot get 'chip-info'")
	}
	h.header.BoardInfo = cfg.GetString("board-info", cfg.GetString("board_info", ""))
	if h.header.BoardInfo == "" {
		return image.Errorf(image.BadConfig, "cannot get 'board-info'")
	}

	if err := h.codec.parseConfig(cfg, "none"); err != nil {
		return err
	}
	if h.codec.tableType == table.TypeHybrid {
		return image.Errorf(image.Unsupported, "hybrid partition tables are not supported on KD images")
	}

	switch medium := cfg.GetString("medium-type", "mmc"); medium {
	case "mmc":
		h.medium = mediumMMC
	case "spi_nand":
		h.medium = mediumSPINAND
	case "spi_nor":
		h.medium = mediumSPINOR
	default:
		return image.Errorf(image.BadConfig, "'%s' is not a valid medium-type", medium)
	}

	if h.codec.tableType != table.TypeNone {
		if err := h.codec.setupUUID(cfg); err != nil {
			return err
		}
	}
	return nil
}

// addVirtualPartitions reserves the partition-table regions on the
// medium.
func (h *kdImage) addVirtualPartitions(img *image.Image) {
	switch {
	case h.codec.tableType&table.TypeMBR != 0:
		h.codec.addBookkeeping(img, "[MBR]", 0, table.SectorSize)
	case h.codec.tableType == table.TypeGPT:
		h.codec.addBookkeeping(img, "[GPT header]", table.SectorSize, table.SectorSize)
		h.codec.addBookkeeping(img, "[GPT array]",
			h.codec.gptLocation, (table.GPTSectors-1)*table.SectorSize)
		if !h.codec.gptNoBackup {
			h.codec.addBookkeeping(img, "[GPT backup]", kdContentStart, table.GPTSectors*table.SectorSize)
		}
	}

	h.codec.setupTOC(img)
}

func (h *kdImage) calculateOffsets(img *image.Image) error {
	h.fileSize = kdContentStart

	for _, part := range img.Partitions {
		if err := h.codec.parsePartitionType(part); err != nil {
			return err
		}
		if tag := part.Flag >> 48; tag != 0 && tag != kburnFlagSPINANDWithOOB {
			return image.Errorf(image.BadConfig,
				"partition %s carries unknown vendor flag tag %d", part.Name, tag)
		}
		if part.Image == "" {
			continue
		}

		childSize, err := img.ChildSize(part.Image)
		if err != nil {
			return err
		}
		if part.Size == 0 {
			part.Size = image.Roundup(childSize, kdAlignment)
		}
		if part.Size == 0 {
			return image.Errorf(image.BadConfig, "partition %s size must not be zero", part.Name)
		}
		if err := h.checkContentFits(part, childSize); err != nil {
			return err
		}

		h.fileSize += image.Roundup(part.Size, kdAlignment)
	}

	if err := h.checkOverlaps(img); err != nil {
		return err
	}
	return h.codec.validateMBRCount(img)
}

// checkContentFits enforces the partition size envelope, honoring the
// SPI-NAND-with-OOB escape: such a body carries page+OOB bytes per
// page, so only the page share counts against the partition size.
func (h *kdImage) checkContentFits(part *image.Partition, childSize uint64) error {
	if childSize <= part.Size {
		return nil
	}

	tag := part.Flag >> 48
	pageSize := (part.Flag >> 16) & 0xFFFFFFFF
	oobSize := part.Flag & 0xFFFF

	if tag != kburnFlagSPINANDWithOOB {
		return image.Errorf(image.SizeOverflow, "partition %s size overflow", part.Name)
	}

	pageOOB := pageSize + oobSize
	if pageOOB == 0 || childSize%pageOOB != 0 {
		return image.Errorf(image.BadSize,
			"image size %d is not aligned to page(%d)+OOB(%d)", childSize, pageSize, oobSize)
	}
	pageOnly := childSize / pageOOB * pageSize
	if pageOnly > part.Size {
		return image.Errorf(image.SizeOverflow,
			"partition %s is too small for %d payload bytes", part.Name, pageOnly)
	}
	return nil
}

// checkOverlaps verifies the medium placements in offset order.
func (h *kdImage) checkOverlaps(img *image.Image) error {
	sorted := make([]*image.Partition, len(img.Partitions))
	copy(sorted, img.Partitions)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Offset > sorted[j].Offset; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	for i := 1; i < len(sorted); i++ {
		prev, curr := sorted[i-1], sorted[i]
		if curr.Offset < prev.Offset+prev.Size {
			return image.Errorf(image.Overlap,
				"partition %s overlaps with %s", curr.Name, prev.Name)
		}
	}
	return nil
}

func (h *kdImage) padPolicy() image.PadPolicy {
	if h.medium == mediumSPINAND || h.medium == mediumSPINOR {
		return image.PadErasedFlash
	}
	return image.PadZero
}

func (h *kdImage) Generate(img *image.Image) error {
	if err := image.PrepareImage(img, h.fileSize); err != nil {
		return err
	}
	return h.writePartitionData(img)
}

func (h *kdImage) writePartitionData(img *image.Image) error {
	pad := h.padPolicy()
	cursor := uint64(kdContentStart)

	for _, part := range img.Partitions {
		var srcPath string
		var childSize uint64

		if part.Image == "" {
			switch part.Name {
			case "[MBR]":
				tmp, err := h.generateMBR(img)
				if err != nil {
					return err
				}
				srcPath, childSize = tmp, table.SectorSize
			case "[TOC]":
				if !h.codec.tocEnable {
					continue
				}
				tmp, size, err := h.generateTOC(img)
				if err != nil {
					return err
				}
				srcPath, childSize = tmp, size
			default:
				// Other bookkeeping regions (GPT copies) only
				// reserve space on the medium.
				continue
			}
		} else {
			path, err := img.ChildPath(part.Image)
			if err != nil {
				return err
			}
			srcPath = path
			childSize, err = img.ChildSize(part.Image)
			if err != nil {
				return err
			}
		}

		if err := h.checkContentFits(part, childSize); err != nil {
			return err
		}

		alignedSize := image.Roundup(childSize, kdAlignment)

		if dup := h.findRecord(srcPath); dup != nil {
			log.Debugf("skipping duplicate content for partition %s: %s", part.Name, srcPath)
			h.records = append(h.records, kdRecord{
				imageFile: srcPath,
				desc: kdPartDescriptor{
					Offset:        uint32(part.Offset),
					Size:          uint32(alignedSize),
					EraseSize:     uint32(part.EraseSize),
					MaxSize:       uint32(part.Size),
					Flag:          part.Flag,
					ContentOffset: dup.desc.ContentOffset,
					ContentSize:   dup.desc.ContentSize,
					ContentSHA256: dup.desc.ContentSHA256,
					Name:          part.Name,
				},
			})
			continue
		}

		log.Debugf("write %s: offset 0x%x, size %s, content at 0x%x",
			part.Name, part.Offset, humanize.IBytes(alignedSize), cursor)
		if err := image.InsertData(img, srcPath, alignedSize, cursor, pad); err != nil {
			return err
		}

		sum, err := regionSHA256(img.OutFile, cursor, alignedSize)
		if err != nil {
			return err
		}
		h.records = append(h.records, kdRecord{
			imageFile: srcPath,
			desc: kdPartDescriptor{
				Offset:        uint32(part.Offset),
				Size:          uint32(alignedSize),
				EraseSize:     uint32(part.EraseSize),
				MaxSize:       uint32(part.Size),
				Flag:          part.Flag,
				ContentOffset: uint32(cursor),
				ContentSize:   uint32(alignedSize),
				ContentSHA256: sum,
				Name:          part.Name,
			},
		})

		cursor += image.Roundup(alignedSize, kdAlignment)
	}

	// Rewind: descriptor table at 512, header at 0, then cut the file
	// at the content cursor.
	var tableData []byte
	for i := range h.records {
		tableData = append(tableData, h.records[i].desc.encode()...)
	}

	h.header.PartTblNum = uint32(len(h.records))
	h.header.PartTblCRC32 = crc32.ChecksumIEEE(tableData)
	headerCRC := crc32.ChecksumIEEE(h.header.encode(0))
	headerData := h.header.encode(headerCRC)

	log.Debugf("kd header: %d descriptors, header crc 0x%08x", len(h.records), headerCRC)

	out, err := os.OpenFile(img.OutFile, os.O_RDWR, 0)
	if err != nil {
		return image.Errorf(image.IO, "open %s: %w", img.OutFile, err)
	}
	defer out.Close()
	if _, err := out.WriteAt(headerData, 0); err != nil {
		return image.Errorf(image.IO, "write header: %w", err)
	}
	if _, err := out.WriteAt(tableData, kdHeaderSize); err != nil {
		return image.Errorf(image.IO, "write partition table: %w", err)
	}
	if err := out.Truncate(int64(cursor)); err != nil {
		return image.Errorf(image.IO, "truncate %s: %w", img.OutFile, err)
	}

	info, err := os.Stat(img.OutFile)
	if err != nil {
		return image.Errorf(image.IO, "stat %s: %w", img.OutFile, err)
	}
	if uint64(info.Size()) != cursor {
		return image.Errorf(image.Internal,
			"file size anomaly: expected %d (0x%x), actual %d", cursor, cursor, info.Size())
	}

	log.Infof("generated %s, size %s", img.OutFile, humanize.IBytes(cursor))
	return nil
}

func (h *kdImage) findRecord(imageFile string) *kdRecord {
	for i := range h.records {
		if h.records[i].imageFile == imageFile {
			return &h.records[i]
		}
	}
	return nil
}

// generateMBR realizes the [MBR] bookkeeping partition as a temporary
// 512-byte sector written with the common MBR writer.
func (h *kdImage) generateMBR(img *image.Image) (string, error) {
	tmp := &image.Image{
		Name:    "[MBR]",
		Size:    table.SectorSize,
		OutFile: filepath.Join(h.env.Scratch, img.Name+".mbr"),
	}
	if err := image.PrepareImage(tmp, tmp.Size); err != nil {
		return "", err
	}
	if err := h.codec.writeMBRTail(img, tmp.OutFile); err != nil {
		return "", err
	}
	return tmp.OutFile, nil
}

// generateTOC realizes the [TOC] bookkeeping partition as a temporary
// buffer holding the packed entries.
func (h *kdImage) generateTOC(img *image.Image) (string, uint64, error) {
	t := h.codec.buildTOC(img)
	data := t.Encode()
	if data == nil {
		data = make([]byte, 64)
	}

	path := filepath.Join(h.env.Scratch, img.Name+".toc")
	tmp := &image.Image{Name: "[TOC]", Size: uint64(len(data)), OutFile: path}
	if err := image.PrepareImage(tmp, tmp.Size); err != nil {
		return "", 0, err
	}
	if err := image.WriteFileAt(path, 0, data); err != nil {
		return "", 0, err
	}
	return path, uint64(len(data)), nil
}

func regionSHA256(path string, offset, size uint64) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, image.Errorf(image.IO, "open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return sum, image.Errorf(image.IO, "seek %s: %w", path, err)
	}
	hash := sha256.New()
	if _, err := io.CopyN(hash, f, int64(size)); err != nil {
		return sum, image.Errorf(image.IO, "hash %s: %w", path, err)
	}
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}
