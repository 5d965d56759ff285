// Package image holds the in-memory model of the images to build and
// the shared byte-arithmetic and file-scaffolding primitives.
package image

import (
	"os"
)

// PadPolicy selects the fill byte written behind short child bodies.
type PadPolicy byte

const (
	// PadZero is used for disk and mmc targets.
	PadZero PadPolicy = 0x00
	// PadErasedFlash is used for SPI NAND/NOR targets, whose erased
	// state is all-ones.
	PadErasedFlash PadPolicy = 0xFF
)

// Hole is a half-open byte range of a partition's content known to be
// unused, allowing another partition to overlap it.
type Hole struct {
	Start uint64
	End   uint64
}

// Partition is one slot inside an image. Names delimited by brackets
// denote internal bookkeeping entries and are never written into the
// user-visible partition table.
type Partition struct {
	Name              string
	ParentImage       string
	InPartitionTable  bool
	Offset            uint64
	Size              uint64
	Image             string // name of the child image providing the body
	PartitionType     string // MBR one-byte code or alias
	PartitionTypeUUID string
	PartitionUUID     string
	Bootable          bool
	ReadOnly          bool
	Hidden            bool
	NoAutomount       bool
	Autoresize        bool
	Fill              bool
	Logical           bool
	ForcedPrimary     bool
	Align             uint64
	EraseSize         uint64
	Flag              uint64
	Load              bool
	Boot              uint8
	ExtraArgs         string
	Holes             []Hole
}

// Internal reports whether the partition is a bookkeeping entry.
func (p *Partition) Internal() bool {
	return len(p.Name) > 0 && p.Name[0] == '['
}

// FlashType is a named flash geometry referenced by uffs/flash images.
type FlashType struct {
	Name string

	PebSize         uint64
	LebSize         uint64
	NumPebs         uint64
	MinIOUnitSize   uint64
	VidHeaderOffset uint64
	SubPageSize     uint64

	IsUffs       bool
	PageSize     uint64
	BlockPages   uint64
	TotalBlocks  uint64
	SpareSize    uint64
	StatusOffset uint64
	ECCOption    int
	ECCSize      uint64
}

// Dependency maps a child image name to the resolved path of its built
// file.
type Dependency struct {
	Image string
	Path  string
}

// Image is one top-level artifact.
type Image struct {
	Name       string
	Kind       string // hdimage, kdimage, vfat, uffs
	Size       uint64
	SizeStr    string
	Temporary  bool
	Mountpoint string
	Mountpath  string
	ExecPre    string
	ExecPost   string
	Empty      bool
	OutFile    string

	Partitions   []*Partition
	Dependencies []Dependency
	Flash        *FlashType
}

// MountPath returns the staging directory whose contents feed
// filesystem-body handlers.
func (img *Image) MountPath() string {
	if img.Mountpath != "" {
		return img.Mountpath
	}
	return img.Mountpoint
}

// ChildPath resolves the dependency path for a child image name. The
// file must exist.
func (img *Image) ChildPath(name string) (string, error) {
	for _, dep := range img.Dependencies {
		if dep.Image == name {
			if _, err := os.Stat(dep.Path); err != nil {
				return "", Errorf(MissingChild, "subimage %s not found at %s", name, dep.Path)
			}
			return dep.Path, nil
		}
	}
	return "", Errorf(MissingChild, "subimage %s not found", name)
}

// ChildSize resolves the dependency path for a child image name and
// returns the size of its file.
func (img *Image) ChildSize(name string) (uint64, error) {
	path, err := img.ChildPath(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, Errorf(IO, "stat %s: %w", path, err)
	}
	return uint64(info.Size()), nil
}
