// Package inspect summarizes a generated artifact: overall hash and
// size, the MBR/GPT partition table, and the KD vendor header when
// present. The summary is diagnostic; it does not recover a buildable
// configuration.
package inspect

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

const (
	kdHeaderMagic   = 0x27CB8F93
	kdPartMagic     = 0x91DF6DA4
	kdHeaderSize    = 512
	kdPartEntrySize = 256
)

// Summary is the inspection result of one image file.
type Summary struct {
	File      string        `json:"file" yaml:"file"`
	SizeBytes int64         `json:"sizeBytes" yaml:"sizeBytes"`
	SHA256    string        `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Table     *TableSummary `json:"partitionTable,omitempty" yaml:"partitionTable,omitempty"`
	KD        *KDSummary    `json:"kdImage,omitempty" yaml:"kdImage,omitempty"`
	Notes     []string      `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// TableSummary describes a detected MBR or GPT partition table.
type TableSummary struct {
	Type       string             `json:"type" yaml:"type"`
	DiskGUID   string             `json:"diskGuid,omitempty" yaml:"diskGuid,omitempty"`
	Partitions []PartitionSummary `json:"partitions" yaml:"partitions"`
}

// PartitionSummary is one table entry.
type PartitionSummary struct {
	Index     int    `json:"index" yaml:"index"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Type      string `json:"type" yaml:"type"`
	GUID      string `json:"guid,omitempty" yaml:"guid,omitempty"`
	StartLBA  uint64 `json:"startLba" yaml:"startLba"`
	EndLBA    uint64 `json:"endLba" yaml:"endLba"`
	SizeBytes uint64 `json:"sizeBytes" yaml:"sizeBytes"`
	Bootable  bool   `json:"bootable,omitempty" yaml:"bootable,omitempty"`
}

// KDSummary decodes the KD vendor container.
type KDSummary struct {
	Version        uint32          `json:"version" yaml:"version"`
	ImageInfo      string          `json:"imageInfo" yaml:"imageInfo"`
	ChipInfo       string          `json:"chipInfo" yaml:"chipInfo"`
	BoardInfo      string          `json:"boardInfo" yaml:"boardInfo"`
	PartitionCount uint32          `json:"partitionCount" yaml:"partitionCount"`
	HeaderCRCOK    bool            `json:"headerCrcOk" yaml:"headerCrcOk"`
	TableCRCOK     bool            `json:"tableCrcOk" yaml:"tableCrcOk"`
	Partitions     []KDPartSummary `json:"partitions" yaml:"partitions"`
}

// KDPartSummary is one KD partition descriptor.
type KDPartSummary struct {
	Name          string `json:"name" yaml:"name"`
	Offset        uint32 `json:"offset" yaml:"offset"`
	Size          uint32 `json:"size" yaml:"size"`
	MaxSize       uint32 `json:"maxSize" yaml:"maxSize"`
	Flag          uint64 `json:"flag,omitempty" yaml:"flag,omitempty"`
	ContentOffset uint32 `json:"contentOffset" yaml:"contentOffset"`
	ContentSize   uint32 `json:"contentSize" yaml:"contentSize"`
	SHA256        string `json:"sha256" yaml:"sha256"`
	SHA256OK      bool   `json:"sha256Ok" yaml:"sha256Ok"`
}

// Inspect summarizes the image file at path.
func Inspect(path string) (*Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	summary := &Summary{File: path, SizeBytes: info.Size()}

	sum, err := fileSHA256(path)
	if err != nil {
		return nil, err
	}
	summary.SHA256 = sum

	if kd, err := inspectKD(path); err == nil && kd != nil {
		summary.KD = kd
		return summary, nil
	}

	table, err := inspectTable(path)
	if err != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("no partition table: %v", err))
		return summary, nil
	}
	summary.Table = table
	return summary, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// inspectTable reads the partition table through go-diskfs.
func inspectTable(path string) (*TableSummary, error) {
	disk, err := diskfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open disk image: %w", err)
	}
	defer disk.Close()

	pt, err := disk.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("get partition table: %w", err)
	}

	blockSize := disk.LogicalBlocksize
	if blockSize <= 0 {
		blockSize = 512
	}

	out := &TableSummary{}
	switch t := pt.(type) {
	case *gpt.Table:
		out.Type = "gpt"
		out.DiskGUID = strings.ToUpper(t.GUID)
		for _, p := range t.Partitions {
			if p.Start == 0 && p.End == 0 {
				continue
			}
			out.Partitions = append(out.Partitions, PartitionSummary{
				Name:      p.Name,
				Type:      string(p.Type),
				GUID:      strings.ToUpper(p.GUID),
				StartLBA:  p.Start,
				EndLBA:    p.End,
				SizeBytes: (p.End - p.Start + 1) * uint64(blockSize),
			})
		}
	case *mbr.Table:
		out.Type = "mbr"
		for _, p := range t.Partitions {
			if p.Type == 0x00 {
				continue
			}
			out.Partitions = append(out.Partitions, PartitionSummary{
				Type:      fmt.Sprintf("0x%02x", byte(p.Type)),
				StartLBA:  uint64(p.Start),
				EndLBA:    uint64(p.Start) + uint64(p.Size) - 1,
				SizeBytes: uint64(p.Size) * uint64(blockSize),
				Bootable:  p.Bootable,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported partition table type: %T", t)
	}

	sort.Slice(out.Partitions, func(i, j int) bool {
		return out.Partitions[i].StartLBA < out.Partitions[j].StartLBA
	})
	for i := range out.Partitions {
		out.Partitions[i].Index = i + 1
	}
	return out, nil
}

// inspectKD decodes the KD header and descriptor table, checking both
// CRCs and the per-partition content hashes. Returns (nil, nil) when
// the magic does not match.
func inspectKD(path string) (*KDSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	header := make([]byte, kdHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, nil
	}
	if binary.LittleEndian.Uint32(header[0:4]) != kdHeaderMagic {
		return nil, nil
	}

	out := &KDSummary{
		Version:        binary.LittleEndian.Uint32(header[12:16]),
		PartitionCount: binary.LittleEndian.Uint32(header[16:20]),
		ImageInfo:      cString(header[24:56]),
		ChipInfo:       cString(header[56:88]),
		BoardInfo:      cString(header[88:152]),
	}

	storedHeaderCRC := binary.LittleEndian.Uint32(header[4:8])
	scratch := make([]byte, kdHeaderSize)
	copy(scratch, header)
	binary.LittleEndian.PutUint32(scratch[4:8], 0)
	out.HeaderCRCOK = crc32.ChecksumIEEE(scratch) == storedHeaderCRC

	tableData := make([]byte, int(out.PartitionCount)*kdPartEntrySize)
	if _, err := io.ReadFull(f, tableData); err != nil {
		return nil, fmt.Errorf("read KD partition table: %w", err)
	}
	storedTableCRC := binary.LittleEndian.Uint32(header[20:24])
	out.TableCRCOK = crc32.ChecksumIEEE(tableData) == storedTableCRC

	for i := 0; i < int(out.PartitionCount); i++ {
		entry := tableData[i*kdPartEntrySize : (i+1)*kdPartEntrySize]
		if binary.LittleEndian.Uint32(entry[0:4]) != kdPartMagic {
			return nil, fmt.Errorf("KD descriptor %d has a bad magic", i)
		}
		part := KDPartSummary{
			Offset:        binary.LittleEndian.Uint32(entry[4:8]),
			Size:          binary.LittleEndian.Uint32(entry[8:12]),
			MaxSize:       binary.LittleEndian.Uint32(entry[16:20]),
			Flag:          binary.LittleEndian.Uint64(entry[24:32]),
			ContentOffset: binary.LittleEndian.Uint32(entry[32:36]),
			ContentSize:   binary.LittleEndian.Uint32(entry[36:40]),
			SHA256:        hex.EncodeToString(entry[40:72]),
			Name:          cString(entry[72:104]),
		}

		h := sha256.New()
		if _, err := f.Seek(int64(part.ContentOffset), io.SeekStart); err == nil {
			if _, err := io.CopyN(h, f, int64(part.ContentSize)); err == nil {
				part.SHA256OK = hex.EncodeToString(h.Sum(nil)) == part.SHA256
			}
		}
		out.Partitions = append(out.Partitions, part)
	}
	return out, nil
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
