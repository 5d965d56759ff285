package handler

import (
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/table"
	"github.com/kendryte-community/flash-image-composer/internal/image/toc"
)

const defaultGPTLocation = 2 * table.SectorSize

// tableCodec carries the partition-table state shared by the disk-style
// handlers: table type, disk identity, GPT placement, and TOC settings.
type tableCodec struct {
	tableType   table.Type
	diskUUID    uuid.UUID
	diskSig     uint32
	gptLocation uint64
	gptNoBackup bool

	tocEnable bool
	tocOffset uint64
}

// parseConfig reads the shared table options. defaultType is the
// partition-table-type assumed when the key is absent.
func (c *tableCodec) parseConfig(cfg config.Dict, defaultType string) error {
	var err error
	c.gptLocation, err = cfg.GetSize("gpt-location", defaultGPTLocation)
	if err != nil {
		return err
	}
	if c.gptLocation == 0 {
		c.gptLocation = defaultGPTLocation
	}
	if c.gptLocation%table.SectorSize != 0 {
		return image.Errorf(image.BadSize,
			"GPT table location (%d) must be a multiple of %d bytes", c.gptLocation, table.SectorSize)
	}
	c.gptNoBackup = cfg.GetBool("gpt-no-backup", false)

	c.tocEnable = cfg.GetBool("toc", false)
	c.tocOffset, err = cfg.GetSize("toc-offset", 0)
	if err != nil {
		return err
	}

	c.tableType, err = table.ParseType(cfg.GetString("partition-table-type", defaultType))
	return err
}

// setupUUID resolves the disk UUID and MBR disk signature.
func (c *tableCodec) setupUUID(cfg config.Dict) error {
	c.diskUUID = uuid.New()
	if cfg.Has("disk-uuid") {
		u, err := uuid.Parse(cfg.GetString("disk-uuid", ""))
		if err != nil {
			return image.Errorf(image.BadConfig, "invalid disk UUID: %s", cfg.GetString("disk-uuid", ""))
		}
		c.diskUUID = u
	}

	if cfg.Has("disk-signature") {
		if c.tableType&table.TypeMBR == 0 {
			return image.Errorf(image.BadConfig,
				"'disk-signature' is only valid for MBR and hybrid partition tables")
		}
		sig := cfg.GetString("disk-signature", "")
		if sig == "random" {
			c.diskSig = rand.Uint32()
		} else {
			v, err := strconv.ParseUint(sig, 0, 32)
			if err != nil {
				return image.Errorf(image.BadConfig, "invalid disk signature: %s", sig)
			}
			c.diskSig = uint32(v)
		}
	}
	return nil
}

// parsePartitionType validates a partition's type declarations against
// the table type and resolves the GPT defaults.
func (c *tableCodec) parsePartitionType(part *image.Partition) error {
	if c.tableType == table.TypeNone {
		part.InPartitionTable = false
	}
	if part.PartitionTypeUUID != "" && c.tableType&table.TypeGPT == 0 {
		return image.Errorf(image.BadConfig,
			"partition %s: 'partition-type-uuid' is only valid for gpt and hybrid partition-table-type", part.Name)
	}
	if part.PartitionType != "" && c.tableType&table.TypeMBR == 0 {
		return image.Errorf(image.BadConfig,
			"partition %s: 'partition-type' is only valid for mbr and hybrid partition-table-type", part.Name)
	}

	if c.tableType&table.TypeGPT != 0 && part.InPartitionTable {
		if part.PartitionTypeUUID == "" {
			part.PartitionTypeUUID = "L"
		}
		if _, err := table.ResolveTypeGUID(part.PartitionTypeUUID); err != nil {
			return err
		}
		if part.PartitionUUID != "" {
			if _, err := uuid.Parse(part.PartitionUUID); err != nil {
				return image.Errorf(image.BadConfig,
					"partition %s has invalid UUID: %s", part.Name, part.PartitionUUID)
			}
		}
	}
	return nil
}

// validateHybrid checks the hybrid-table population: at least one and
// at most three in-table partitions carrying an MBR partition-type.
func (c *tableCodec) validateHybrid(img *image.Image) error {
	if c.tableType != table.TypeHybrid {
		return nil
	}
	entries := 0
	for _, p := range img.Partitions {
		if p.InPartitionTable && p.PartitionType != "" {
			entries++
		}
	}
	log.Debugf("hybrid partition table: %d partitions", entries)
	if entries == 0 {
		return image.Errorf(image.BadConfig,
			"Hybrid partition table must contain at least one partition with partition-type")
	}
	if entries > 3 {
		return image.Errorf(image.BadConfig,
			"Hybrid partition table supports max 3 partitions, currently has %d", entries)
	}
	return nil
}

// validateMBRCount enforces the four-primary limit of a pure MBR table.
func (c *tableCodec) validateMBRCount(img *image.Image) error {
	if c.tableType != table.TypeMBR {
		return nil
	}
	count := 0
	for _, p := range img.Partitions {
		if p.InPartitionTable {
			count++
		}
	}
	if count > 4 {
		return image.Errorf(image.BadConfig,
			"MBR partition table supports a maximum of 4 primary partitions, current configuration has %d", count)
	}
	return nil
}

// addBookkeeping appends an internal partition so that overlap and
// cursor computations account for a table region.
func (c *tableCodec) addBookkeeping(img *image.Image, name string, offset, size uint64) *image.Partition {
	entry := &image.Partition{
		Name:        name,
		ParentImage: img.Name,
		Offset:      offset,
		Size:        size,
	}
	img.Partitions = append(img.Partitions, entry)
	return entry
}

// checkOverlap verifies the partition against every partition declared
// before it. An overlap is tolerated when the intersection lies inside
// a declared hole of the other partition's content.
func (c *tableCodec) checkOverlap(img *image.Image, part *image.Partition) error {
	for _, other := range img.Partitions {
		if other == part {
			return nil
		}
		if part.Offset >= other.Offset+other.Size {
			continue
		}
		if other.Offset >= part.Offset+part.Size {
			continue
		}

		start := maxU64(part.Offset, other.Offset)
		end := minU64(part.Offset+part.Size, other.Offset+other.Size)
		if holeCovers(other.Holes, start-other.Offset, end-other.Offset) {
			continue
		}

		return image.Errorf(image.Overlap,
			"partition %s (offset 0x%x, size 0x%x) overlaps with previous partition %s (offset 0x%x, size 0x%x)",
			part.Name, part.Offset, part.Size, other.Name, other.Offset, other.Size)
	}
	return nil
}

func holeCovers(holes []image.Hole, start, end uint64) bool {
	for _, h := range holes {
		if h.Start <= start && end <= h.End {
			return true
		}
	}
	return false
}

// setupTOC appends the [TOC] bookkeeping partition sized for one entry
// per user-visible partition. The entries themselves are packed at
// write time, after the layout is final.
func (c *tableCodec) setupTOC(img *image.Image) {
	if !c.tocEnable {
		return
	}
	count := 0
	for _, p := range img.Partitions {
		if !p.Internal() {
			count++
		}
	}
	if count == 0 {
		return
	}
	size := uint64(count) * toc.EntrySize
	c.addBookkeeping(img, "[TOC]", c.tocOffset, size)
	log.Debugf("TOC partition: offset 0x%x, size 0x%x", c.tocOffset, size)
}

// buildTOC packs one entry per user-visible partition from the final
// layout.
func (c *tableCodec) buildTOC(img *image.Image) *toc.Toc {
	t := toc.New(c.tocOffset)
	for _, p := range img.Partitions {
		if p.Internal() {
			continue
		}
		load := uint8(0)
		if p.Load {
			load = 1
		}
		t.Add(toc.Entry{
			PartitionName: p.Name,
			Offset:        p.Offset,
			Size:          p.Size,
			Load:          load,
			Boot:          p.Boot,
		})
	}
	return t
}

// writeTOC packs and writes the TOC region.
func (c *tableCodec) writeTOC(img *image.Image) error {
	if !c.tocEnable {
		return nil
	}
	t := c.buildTOC(img)
	data := t.Encode()
	if data == nil {
		return nil
	}
	log.Debugf("TOC written at offset 0x%x, size %d bytes", t.Offset, len(data))
	return image.WriteFileAt(img.OutFile, t.Offset, data)
}

// mbrTypeByte parses an MBR partition-type literal (one byte, decimal
// or hex). An empty literal encodes as zero.
func mbrTypeByte(s string) (byte, error) {
	if s == "" {
		return 0, nil
	}
	v, err := image.ParseSize(s)
	if err != nil || v > 0xFF {
		return 0, image.Errorf(image.BadConfig, "invalid partition-type %q", s)
	}
	return byte(v), nil
}

// collectMBREntries packs the in-table, non-logical partitions into MBR
// entries, appending the hybrid coverage entry when applicable.
func (c *tableCodec) collectMBREntries(img *image.Image) ([]table.MBREntry, error) {
	var entries []table.MBREntry
	for _, part := range img.Partitions {
		if !part.InPartitionTable || part.Logical {
			continue
		}
		if len(entries) >= 4 {
			break
		}
		typ, err := mbrTypeByte(part.PartitionType)
		if err != nil {
			return nil, err
		}
		e := table.MBREntry{
			Type:            typ,
			RelativeSectors: uint32(part.Offset / table.SectorSize),
			TotalSectors:    uint32(part.Size / table.SectorSize),
		}
		if part.Bootable {
			e.Boot = 0x80
		}
		e.SetCHS()
		entries = append(entries, e)
	}
	if c.tableType == table.TypeHybrid && len(entries) < 4 {
		entries = append(entries, table.HybridMBREntry(c.gptLocation))
	}
	return entries, nil
}

// writeMBRTail writes the 72-byte MBR block at byte 440 of the given
// file.
func (c *tableCodec) writeMBRTail(img *image.Image, path string) error {
	entries, err := c.collectMBREntries(img)
	if err != nil {
		return err
	}
	log.Debugf("write mbr")
	return image.WriteFileAt(path, 440, table.EncodeMBRTail(c.diskSig, entries))
}

// writeProtectiveMBR writes the single-entry protective MBR of a pure
// GPT disk.
func (c *tableCodec) writeProtectiveMBR(img *image.Image) error {
	entries := []table.MBREntry{table.ProtectiveMBREntry(img.Size)}
	return image.WriteFileAt(img.OutFile, 440, table.EncodeMBRTail(c.diskSig, entries))
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
