package handler

import (
	"encoding/binary"
	"os"

	"github.com/kendryte-community/flash-image-composer/internal/image"
)

// FAT cluster-count classification thresholds.
const (
	fat12MaxClusters = 4085
	fat16MaxClusters = 65525
)

// fatMinimizedSize parses the BPB and the first FAT of the filesystem
// at path and returns the smallest file length that still holds every
// used cluster: the FAT region plus (last used cluster + 1) clusters.
func fatMinimizedSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, image.Errorf(image.IO, "open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, image.Errorf(image.IO, "stat %s: %w", path, err)
	}
	fileSize := uint64(info.Size())

	boot := make([]byte, 512)
	if _, err := f.ReadAt(boot, 0); err != nil {
		return 0, image.Errorf(image.IO, "read boot sector: %w", err)
	}

	bytesPerSector := uint64(binary.LittleEndian.Uint16(boot[11:13]))
	sectorsPerCluster := uint64(boot[13])
	reservedSectors := uint64(binary.LittleEndian.Uint16(boot[14:16]))
	numFATs := uint64(boot[16])
	rootEntries := uint64(binary.LittleEndian.Uint16(boot[17:19]))
	totalSectors16 := uint64(binary.LittleEndian.Uint16(boot[19:21]))
	sectorsPerFAT16 := uint64(binary.LittleEndian.Uint16(boot[22:24]))
	totalSectors32 := uint64(binary.LittleEndian.Uint32(boot[32:36]))
	sectorsPerFAT32 := uint64(binary.LittleEndian.Uint32(boot[36:40]))

	if bytesPerSector == 0 || sectorsPerCluster == 0 || numFATs == 0 {
		return 0, image.Errorf(image.BadSize, "invalid FAT boot sector in %s", path)
	}

	// A FAT32 sectors-per-FAT field claiming more bytes than the file
	// holds is treated as corrupt; fall back to the FAT16 field.
	sectorsPerFAT := sectorsPerFAT32
	if sectorsPerFAT == 0 || sectorsPerFAT*bytesPerSector > fileSize {
		sectorsPerFAT = sectorsPerFAT16
	}
	if sectorsPerFAT == 0 {
		return 0, image.Errorf(image.BadSize, "invalid FAT geometry in %s", path)
	}

	totalSectors := totalSectors16
	if totalSectors == 0 {
		totalSectors = totalSectors32
	}

	rootDirSectors := (rootEntries*32 + bytesPerSector - 1) / bytesPerSector
	dataSectors := totalSectors - (reservedSectors + numFATs*sectorsPerFAT + rootDirSectors)
	totalClusters := dataSectors / sectorsPerCluster

	if totalClusters < fat12MaxClusters {
		return 0, image.Errorf(image.Unsupported, "FAT12 filesystems cannot be minimized")
	}
	isFAT16 := totalClusters < fat16MaxClusters

	fatStart := reservedSectors * bytesPerSector
	fatRegionSize := (reservedSectors + numFATs*sectorsPerFAT + rootDirSectors) * bytesPerSector
	clusterSize := sectorsPerCluster * bytesPerSector

	var entrySize uint64 = 4
	if isFAT16 {
		entrySize = 2
	}

	fat := make([]byte, sectorsPerFAT*bytesPerSector)
	if _, err := f.ReadAt(fat, int64(fatStart)); err != nil {
		return 0, image.Errorf(image.IO, "read FAT: %w", err)
	}

	var lastUsed uint64
	for cluster := uint64(2); cluster < totalClusters+2; cluster++ {
		off := cluster * entrySize
		if off+entrySize > uint64(len(fat)) {
			break
		}
		if isFAT16 {
			if binary.LittleEndian.Uint16(fat[off:off+2]) >= 0x0002 {
				lastUsed = cluster
			}
		} else {
			entry := binary.LittleEndian.Uint32(fat[off:off+4]) & 0x0FFFFFFF
			if entry != 0 && entry < 0x0FFFFFF8 {
				lastUsed = cluster
			}
		}
	}

	if lastUsed == 0 {
		return 0, image.Errorf(image.Internal, "no used cluster found in %s, minimize failed", path)
	}
	return fatRegionSize + (lastUsed+1)*clusterSize, nil
}
