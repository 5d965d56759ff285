package handler

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/table"
)

// hdImage composes a byte-exact disk image with an MBR, GPT, or hybrid
// partition table, including extended/logical partition chains and the
// GPT backup copy.
type hdImage struct {
	env   Env
	codec tableCodec

	align        uint64
	extendedIdx  int
	extendedPart *image.Partition
	fill         bool
	fileSize     uint64
}

func newHdImage(env Env) *hdImage {
	return &hdImage{env: env}
}

// allowedInternal are the bookkeeping partitions that legitimately
// carry no child image.
var allowedInternal = map[string]bool{
	"ota_meta":     true,
	"[MBR]":        true,
	"[GPT header]": true,
	"[GPT array]":  true,
	"[GPT backup]": true,
	"[TOC]":        true,
	"[Extended]":   true,
}

func (h *hdImage) Setup(img *image.Image, cfg config.Dict) error {
	if err := h.handleBlockDevice(img); err != nil {
		return err
	}
	if err := h.parseConfig(cfg); err != nil {
		return err
	}
	if err := h.setupLogicalPartitions(img); err != nil {
		return err
	}
	if err := h.codec.setupUUID(cfg); err != nil {
		return err
	}
	if err := h.codec.validateHybrid(img); err != nil {
		return err
	}
	return h.calculateOffsets(img)
}

// handleBlockDevice takes the image size from the target device when
// the output path is a block device.
func (h *hdImage) handleBlockDevice(img *image.Image) error {
	info, err := os.Stat(img.OutFile)
	if err != nil {
		return nil
	}
	mode := info.Mode()
	if mode&os.ModeDevice == 0 || mode&os.ModeCharDevice != 0 {
		return nil
	}
	if img.Size != 0 {
		return image.Errorf(image.BadConfig, "image size must not be specified for a block device target")
	}
	f, err := os.Open(img.OutFile)
	if err != nil {
		return image.Errorf(image.IO, "open block device %s: %w", img.OutFile, err)
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil || size <= 0 {
		return image.Errorf(image.IO, "cannot determine size of block device %s", img.OutFile)
	}
	img.Size = uint64(size)
	return nil
}

func (h *hdImage) parseConfig(cfg config.Dict) error {
	if err := h.codec.parseConfig(cfg, "mbr"); err != nil {
		return err
	}

	// Deprecated switches, translated onto partition-table-type.
	if cfg.Has("partition-table") {
		log.Warnf("'partition-table' is deprecated, use 'partition-table-type'")
		if cfg.GetBool("partition-table", false) {
			h.codec.tableType = table.TypeMBR
		} else {
			h.codec.tableType = table.TypeNone
		}
	}
	if cfg.Has("gpt") {
		log.Warnf("'gpt' is deprecated, use 'partition-table-type'")
		if cfg.GetBool("gpt", false) {
			h.codec.tableType = table.TypeGPT
		} else {
			h.codec.tableType = table.TypeMBR
		}
	}

	align, err := cfg.GetSize("align", 0)
	if err != nil {
		return err
	}
	if align == 0 {
		if h.codec.tableType == table.TypeNone {
			align = 1
		} else {
			align = table.SectorSize
		}
	}
	if h.codec.tableType != table.TypeNone && align%table.SectorSize != 0 {
		return image.Errorf(image.BadSize,
			"partition alignment (%d) must be a multiple of %d bytes", align, table.SectorSize)
	}
	h.align = align

	h.extendedIdx = int(cfg.GetInt("extended-partition", 0))
	if h.extendedIdx < 0 || h.extendedIdx > 4 {
		return image.Errorf(image.BadConfig,
			"invalid extended partition index (%d), must be <= 4", h.extendedIdx)
	}
	h.fill = cfg.GetBool("fill", false)
	return nil
}

// ensureExtendedIdx auto-selects entry 4 as the extended partition when
// more than four in-table partitions are declared.
func (h *hdImage) ensureExtendedIdx(img *image.Image) {
	if h.extendedIdx != 0 {
		return
	}
	count := 0
	for _, p := range img.Partitions {
		if !p.InPartitionTable {
			continue
		}
		count++
		if count > 4 {
			h.extendedIdx = 4
			return
		}
	}
}

// setupLogicalPartitions inserts the virtual extended partition and
// marks the partitions behind it logical, honoring forced-primary.
func (h *hdImage) setupLogicalPartitions(img *image.Image) error {
	if h.codec.tableType != table.TypeMBR {
		return nil
	}
	h.ensureExtendedIdx(img)
	if h.extendedIdx == 0 {
		return nil
	}

	count := 0
	mbrEntries := 0
	inExtended := false
	foundExtended := false

	for i := 0; i < len(img.Partitions); i++ {
		part := img.Partitions[i]
		if !part.InPartitionTable {
			continue
		}
		count++

		if count == h.extendedIdx {
			var offset uint64
			if part.Offset != 0 {
				offset = part.Offset - h.align
			}
			ext := &image.Partition{
				Name:             "[Extended]",
				ParentImage:      img.Name,
				Offset:           offset,
				InPartitionTable: true,
				PartitionType:    "0x0f",
				Align:            h.align,
			}
			img.Partitions = append(img.Partitions[:i], append([]*image.Partition{ext}, img.Partitions[i:]...)...)
			i++ // current partition moved one slot right
			h.extendedPart = ext
			inExtended, foundExtended = true, true
			mbrEntries++
		}

		if part.ForcedPrimary {
			inExtended = false
		}
		if inExtended && !part.ForcedPrimary {
			part.Logical = true
		} else {
			mbrEntries++
		}

		if part.ForcedPrimary {
			if !foundExtended {
				return image.Errorf(image.BadConfig,
					"partition %s: forced-primary is only allowed after the extended partition", part.Name)
			}
		} else if !inExtended && foundExtended {
			return image.Errorf(image.BadConfig,
				"cannot create non-primary partition %s after a forced-primary partition", part.Name)
		}

		if mbrEntries > 4 {
			return image.Errorf(image.BadConfig, "too many primary partitions (max 4)")
		}
	}
	return nil
}

// calculateOffsets walks the partitions in declared order, assigning
// offsets and sizes under the alignment and table-geometry rules and
// validating the layout.
func (h *hdImage) calculateOffsets(img *image.Image) error {
	var now uint64
	var gptBackup *image.Partition
	h.fileSize = 0

	if h.codec.tableType != table.TypeNone {
		mbr := h.codec.addBookkeeping(img, "[MBR]", 440, table.MBRTailSize)
		now = mbr.Offset + mbr.Size

		if h.codec.tableType&table.TypeGPT != 0 {
			h.codec.addBookkeeping(img, "[GPT header]", table.SectorSize, table.SectorSize)
			array := h.codec.addBookkeeping(img, "[GPT array]",
				h.codec.gptLocation, (table.GPTSectors-1)*table.SectorSize)
			now = maxU64(now, array.Offset+array.Size)

			backupSize := uint64(table.GPTSectors * table.SectorSize)
			var backupOffset uint64
			if img.Size != 0 {
				backupOffset = img.Size - backupSize
			}
			gptBackup = h.codec.addBookkeeping(img, "[GPT backup]", backupOffset, backupSize)
		}
	}

	h.codec.setupTOC(img)

	resized := false
	for _, part := range img.Partitions {
		if part.Align == 0 {
			if part.InPartitionTable || h.codec.tableType == table.TypeNone {
				part.Align = h.align
			} else {
				part.Align = 1
			}
		}
		if part.InPartitionTable && part.Align%h.align != 0 {
			return image.Errorf(image.BadConfig,
				"partition %s alignment (%d) must be a multiple of the image alignment (%d)",
				part.Name, part.Align, h.align)
		}

		if err := h.codec.parsePartitionType(part); err != nil {
			return err
		}

		if part.Size == 0 && part.Image != "" {
			childSize, err := img.ChildSize(part.Image)
			if err != nil {
				return err
			}
			if part.InPartitionTable {
				part.Size = image.Roundup(childSize, part.Align)
			} else {
				part.Size = childSize
			}
		}

		if part.Logical {
			now += h.align // EBR in front of every logical partition
			now = image.Roundup(now, part.Align)
		}

		if part == gptBackup && part.Offset == 0 {
			now += part.Size
			part.Offset = image.Roundup(now, 4096) - part.Size
		}

		if part.Offset == 0 && (part.InPartitionTable || h.codec.tableType == table.TypeNone) {
			part.Offset = image.Roundup(now, part.Align)
		}

		if part.Autoresize {
			if resized {
				return image.Errorf(image.BadConfig, "only one partition with 'autoresize' is supported")
			}
			if img.Size == 0 {
				return image.Errorf(image.BadConfig, "the image size must be specified when using an 'autoresize' partition")
			}
			avail := img.Size - part.Offset
			if h.codec.tableType&table.TypeGPT != 0 {
				avail -= table.GPTSectors * table.SectorSize
			}
			avail = image.Rounddown(avail, part.Align)
			if avail == 0 || avail > img.Size {
				return image.Errorf(image.BadSize, "partition %s exceeds the device size", part.Name)
			}
			if avail < part.Size {
				return image.Errorf(image.BadSize,
					"autoresize partition %s size (%d) is below its minimum (%d)", part.Name, avail, part.Size)
			}
			part.Size = avail
			resized = true
		}

		if part.Offset%part.Align != 0 {
			return image.Errorf(image.BadSize,
				"partition %s offset (%d) must be a multiple of %d bytes", part.Name, part.Offset, part.Align)
		}
		if part.Size == 0 && part != h.extendedPart {
			return image.Errorf(image.BadSize, "partition %s size must not be zero", part.Name)
		}
		if !part.Logical {
			if err := h.codec.checkOverlap(img, part); err != nil {
				return err
			}
		}
		if part.InPartitionTable && part.Size%table.SectorSize != 0 {
			return image.Errorf(image.BadSize,
				"partition %s size (%d) must be a multiple of %d bytes", part.Name, part.Size, table.SectorSize)
		}

		if part.Offset+part.Size > now {
			now = part.Offset + part.Size
		}

		if part.Image != "" {
			childSize, err := img.ChildSize(part.Image)
			if err != nil {
				return err
			}
			if part.Offset+childSize > h.fileSize {
				h.fileSize = part.Offset + childSize
			}
		}

		if part.Logical {
			if fs := part.Offset - h.align + table.SectorSize; fs > h.fileSize {
				h.fileSize = fs
			}
			h.extendedPart.Size = now - h.extendedPart.Offset
		}
	}

	if img.Size == 0 {
		img.Size = now
	}
	log.Debugf("image %s: size %s, layout end %s",
		img.Name, humanize.IBytes(img.Size), humanize.IBytes(now))
	if now > img.Size {
		return image.Errorf(image.BadSize,
			"partitions exceed the image size (%d > %d)", now, img.Size)
	}

	if h.fill || (h.codec.tableType&table.TypeGPT != 0 && !h.codec.gptNoBackup) {
		h.fileSize = img.Size
	}
	return nil
}

func (h *hdImage) Generate(img *image.Image) error {
	if err := image.PrepareImage(img, h.fileSize); err != nil {
		return err
	}

	for _, part := range img.Partitions {
		if part.Image == "" {
			if part.Internal() && !allowedInternal[part.Name] {
				return image.Errorf(image.BadConfig, "unknown internal partition %s", part.Name)
			}
			continue
		}
		path, err := img.ChildPath(part.Image)
		if err != nil {
			return err
		}
		childSize, err := img.ChildSize(part.Image)
		if err != nil {
			return err
		}
		if childSize > part.Size {
			return image.Errorf(image.SizeOverflow,
				"partition %s size (%d) is smaller than child image %s (%d)",
				part.Name, part.Size, part.Image, childSize)
		}
		if err := image.InsertData(img, path, part.Size, part.Offset, image.PadZero); err != nil {
			return err
		}
	}

	switch {
	case h.codec.tableType&table.TypeGPT != 0:
		if err := h.writeGPT(img); err != nil {
			return err
		}
	case h.codec.tableType&table.TypeMBR != 0:
		if err := h.writeMBR(img); err != nil {
			return err
		}
	}

	return h.codec.writeTOC(img)
}

// writeMBR writes the sector-0 tail and the EBR chain of the logical
// partitions.
func (h *hdImage) writeMBR(img *image.Image) error {
	if err := h.codec.writeMBRTail(img, img.OutFile); err != nil {
		return err
	}
	return h.writeEBRs(img)
}

func (h *hdImage) writeEBRs(img *image.Image) error {
	if h.extendedPart == nil {
		return nil
	}
	first := true
	for _, part := range img.Partitions {
		if !part.Logical {
			continue
		}

		typ, err := mbrTypeByte(part.PartitionType)
		if err != nil {
			return err
		}
		base := (part.Offset - h.align) / table.SectorSize

		current := table.MBREntry{
			Type:            typ,
			RelativeSectors: uint32(h.align / table.SectorSize),
			TotalSectors:    uint32(part.Size / table.SectorSize),
		}
		current.FirstCHS = table.LBAToCHS(base + uint64(current.RelativeSectors))
		current.LastCHS = table.LBAToCHS(base + uint64(current.RelativeSectors) + uint64(current.TotalSectors) - 1)
		entries := []table.MBREntry{current}

		if !first {
			next := table.MBREntry{
				Type:            table.PartitionTypeExtended,
				RelativeSectors: uint32((part.Offset - h.align - h.extendedPart.Offset) / table.SectorSize),
				TotalSectors:    uint32((part.Size + h.align) / table.SectorSize),
			}
			extBase := h.extendedPart.Offset / table.SectorSize
			next.FirstCHS = table.LBAToCHS(extBase)
			next.LastCHS = table.LBAToCHS(extBase + uint64(next.TotalSectors) - 1)
			entries = append(entries, next)
		}

		if err := image.WriteFileAt(img.OutFile, part.Offset-h.align, table.EncodeEBR(entries)); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// writeGPT writes the primary header and array, the backup copy, and
// the protective or hybrid MBR.
func (h *hdImage) writeGPT(img *image.Image) error {
	hdr := table.GPTHeader{
		CurrentLBA:    1,
		BackupLBA:     img.Size/table.SectorSize - 1,
		LastUsableLBA: img.Size/table.SectorSize - 1 - table.GPTSectors,
		StartingLBA:   h.codec.gptLocation / table.SectorSize,
		DiskGUID:      table.EncodeGUID(h.codec.diskUUID),
	}
	if h.codec.gptNoBackup {
		hdr.BackupLBA = 1
	}

	entries, smallest, err := h.collectGPTEntries(img)
	if err != nil {
		return err
	}
	if smallest == 0 {
		smallest = h.codec.gptLocation + (table.GPTSectors-1)*table.SectorSize
	}
	hdr.FirstUsableLBA = smallest / table.SectorSize

	tableData := table.EncodeGPTTable(entries)
	hdr.TableCRC = crc32.ChecksumIEEE(tableData)

	log.Debugf("write gpt")
	if err := image.WriteFileAt(img.OutFile, table.SectorSize, hdr.Encode()); err != nil {
		return err
	}
	if err := image.WriteFileAt(img.OutFile, h.codec.gptLocation, tableData); err != nil {
		return err
	}

	if !h.codec.gptNoBackup {
		backup := hdr
		backup.CurrentLBA = hdr.BackupLBA
		backup.BackupLBA = 1
		backup.StartingLBA = img.Size/table.SectorSize - table.GPTSectors

		if err := image.WriteFileAt(img.OutFile,
			img.Size-table.GPTSectors*table.SectorSize, tableData); err != nil {
			return err
		}
		if err := image.WriteFileAt(img.OutFile,
			img.Size-table.SectorSize, backup.Encode()); err != nil {
			return err
		}
	}

	if h.codec.tableType == table.TypeHybrid {
		return h.writeMBR(img)
	}
	return h.codec.writeProtectiveMBR(img)
}

// collectGPTEntries builds the entry array and reports the smallest
// in-table partition offset.
func (h *hdImage) collectGPTEntries(img *image.Image) ([]table.GPTEntry, uint64, error) {
	var entries []table.GPTEntry
	var smallest uint64

	for _, part := range img.Partitions {
		if !part.InPartitionTable {
			continue
		}

		typeGUID, err := table.ResolveTypeGUID(orDefault(part.PartitionTypeUUID, "L"))
		if err != nil {
			return nil, 0, image.Errorf(image.BadConfig,
				"partition %s has invalid type: %s", part.Name, part.PartitionTypeUUID)
		}
		partGUID := uuid.New()
		if part.PartitionUUID != "" {
			partGUID, err = uuid.Parse(part.PartitionUUID)
			if err != nil {
				return nil, 0, image.Errorf(image.BadConfig,
					"partition %s has invalid UUID: %s", part.Name, part.PartitionUUID)
			}
		}

		var flags uint64
		if part.Bootable {
			flags |= table.GPTFlagBootable
		}
		if part.ReadOnly {
			flags |= table.GPTFlagReadOnly
		}
		if part.Hidden {
			flags |= table.GPTFlagHidden
		}
		if part.NoAutomount {
			flags |= table.GPTFlagNoAuto
		}

		entries = append(entries, table.GPTEntry{
			TypeGUID: table.EncodeGUID(typeGUID),
			GUID:     table.EncodeGUID(partGUID),
			FirstLBA: part.Offset / table.SectorSize,
			LastLBA:  (part.Offset+part.Size)/table.SectorSize - 1,
			Flags:    flags,
			Name:     part.Name,
		})

		if smallest == 0 || part.Offset < smallest {
			smallest = part.Offset
		}
	}
	return entries, smallest, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
