package engine

import (
	"path/filepath"
	"strings"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/handler"
)

// buildImage materializes one parsed image block.
func (e *Engine) buildImage(file *config.File, block *config.ImageBlock) (*image.Image, error) {
	if block.Type == "" {
		return nil, image.Errorf(image.BadConfig, "image %s has no handler block", block.Name)
	}
	if !handler.Known(block.Type) {
		return nil, image.Errorf(image.BadConfig, "unknown image type %s", block.Type)
	}

	size, err := block.Config.GetSize("size", 0)
	if err != nil {
		return nil, err
	}

	img := &image.Image{
		Name:       block.Name,
		Kind:       block.Type,
		Size:       size,
		SizeStr:    block.Config.GetString("size", ""),
		Temporary:  block.Config.GetBool("temporary", false),
		Mountpoint: block.Config.GetString("mountpoint", ""),
		Empty:      block.Config.GetBool("empty", false),
		ExecPre:    block.Config.GetString("exec-pre", ""),
		ExecPost:   block.Config.GetString("exec-post", ""),
	}

	if img.Temporary {
		img.OutFile = filepath.Join(e.scratch, img.Name)
	} else {
		img.OutFile = filepath.Join(e.OutputPath, img.Name)
	}

	if err := e.resolveFlash(file, block, img); err != nil {
		return nil, err
	}
	if err := e.stageMountpoint(img); err != nil {
		return nil, err
	}

	for _, sub := range block.Partitions {
		part, err := buildPartition(img, sub)
		if err != nil {
			return nil, err
		}
		img.Partitions = append(img.Partitions, part)
	}

	// Filesystem-body handlers also take inserts from the handler
	// block: a files list and repeated content sub-blocks.
	if block.Type == "vfat" || block.Type == "uffs" {
		for _, f := range block.TypeConfig.GetList("files") {
			img.Partitions = append(img.Partitions, &image.Partition{
				ParentImage:      img.Name,
				InPartitionTable: true,
				Image:            f,
			})
		}
		for _, c := range block.Contents {
			name := c.Config.GetString("name", c.Name)
			child := c.Config.GetString("image", "")
			if child == "" {
				return nil, image.Errorf(image.BadConfig,
					"image %s: content entry without an image", img.Name)
			}
			img.Partitions = append(img.Partitions, &image.Partition{
				Name:             name,
				ParentImage:      img.Name,
				InPartitionTable: true,
				Image:            child,
			})
		}
	}

	// A partition without an explicit size inherits the declared size
	// of the image it references, when that image declares one.
	for _, part := range img.Partitions {
		if part.Size == 0 && part.Image != "" {
			if ref := blockByName(file, part.Image); ref != nil {
				if s, err := ref.Config.GetSize("size", 0); err == nil {
					part.Size = s
				}
			}
		}
	}

	e.resolveDependencies(file, img)
	return img, nil
}

func blockByName(file *config.File, name string) *config.ImageBlock {
	for _, b := range file.Images {
		if b.Name == name {
			return b
		}
	}
	return nil
}

func buildPartition(img *image.Image, sub config.SubBlock) (*image.Partition, error) {
	cfg := sub.Config

	offset, err := cfg.GetSize("offset", 0)
	if err != nil {
		return nil, err
	}
	size, err := cfg.GetSize("size", 0)
	if err != nil {
		return nil, err
	}
	align, err := cfg.GetSize("align", 0)
	if err != nil {
		return nil, err
	}
	eraseSize, err := cfg.GetSize("erase-size", 0)
	if err != nil {
		return nil, err
	}
	flag, err := cfg.GetSize("flag", 0)
	if err != nil {
		return nil, err
	}

	part := &image.Partition{
		Name:              sub.Name,
		ParentImage:       img.Name,
		InPartitionTable:  cfg.GetBool("in-partition-table", true),
		Offset:            offset,
		Size:              size,
		Image:             cfg.GetString("image", ""),
		PartitionType:     cfg.GetString("partition-type", ""),
		PartitionTypeUUID: cfg.GetString("partition-type-uuid", ""),
		PartitionUUID:     cfg.GetString("partition-uuid", ""),
		Bootable:          cfg.GetBool("bootable", false),
		ReadOnly:          cfg.GetBool("read-only", false),
		Hidden:            cfg.GetBool("hidden", false),
		NoAutomount:       cfg.GetBool("no-automount", false),
		Autoresize:        cfg.GetBool("autoresize", false),
		Fill:              cfg.GetBool("fill", false),
		Logical:           cfg.GetBool("logical", false),
		ForcedPrimary:     cfg.GetBool("forced-primary", false),
		Align:             align,
		EraseSize:         eraseSize,
		Flag:              flag,
		Load:              cfg.GetBool("load", false),
		Boot:              uint8(cfg.GetInt("boot", 0)),
		ExtraArgs:         cfg.GetString("extraargs", ""),
	}

	for _, h := range cfg.GetList("holes") {
		hole, err := parseHole(h)
		if err != nil {
			return nil, err
		}
		part.Holes = append(part.Holes, hole)
	}
	return part, nil
}

// parseHole reads a "(start;end)" range literal.
func parseHole(s string) (image.Hole, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "(")
	trimmed = strings.TrimSuffix(trimmed, ")")
	start, end, found := strings.Cut(trimmed, ";")
	if !found {
		return image.Hole{}, image.Errorf(image.BadConfig, "invalid hole %q", s)
	}
	startV, err := image.ParseSize(strings.TrimSpace(start))
	if err != nil {
		return image.Hole{}, err
	}
	endV, err := image.ParseSize(strings.TrimSpace(end))
	if err != nil {
		return image.Hole{}, err
	}
	if endV < startV {
		return image.Hole{}, image.Errorf(image.BadConfig, "invalid hole %q", s)
	}
	return image.Hole{Start: startV, End: endV}, nil
}

// resolveFlash attaches the referenced flash geometry.
func (e *Engine) resolveFlash(file *config.File, block *config.ImageBlock, img *image.Image) error {
	if block.Type != "uffs" && !block.Config.Has("flashtype") {
		return nil
	}
	name := block.Config.GetString("flashtype", "")
	flash := file.FlashByName(name)
	if flash == nil {
		return image.Errorf(image.BadConfig, "image %s: flash type %q not found", img.Name, name)
	}
	cfg := flash.Config

	geom := &image.FlashType{
		Name:   flash.Name,
		IsUffs: block.Type == "uffs",
	}
	var err error
	read := func(key string) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = cfg.GetSize(key, 0)
		return v
	}
	geom.PebSize = read("pebsize")
	geom.LebSize = read("lebsize")
	geom.NumPebs = read("numpebs")
	geom.MinIOUnitSize = read("minimum-io-unit-size")
	geom.VidHeaderOffset = read("vid-header-offset")
	geom.SubPageSize = read("sub-page-size")
	geom.PageSize = read("page-size")
	geom.BlockPages = read("block-pages")
	geom.TotalBlocks = read("total-blocks")
	geom.SpareSize = read("spare-size")
	geom.StatusOffset = read("status-offset")
	geom.ECCSize = read("ecc-size")
	if err != nil {
		return err
	}
	geom.ECCOption = int(cfg.GetInt("ecc-option", 3))

	img.Flash = geom
	return nil
}

// resolveDependencies maps each referenced child image onto the path
// its bytes will be read from: a previously declared image's output
// file, or a plain file under the root path.
func (e *Engine) resolveDependencies(file *config.File, img *image.Image) {
	for _, part := range img.Partitions {
		if part.Image == "" {
			continue
		}
		path := filepath.Join(e.RootPath, part.Image)
		if ref := blockByName(file, part.Image); ref != nil {
			if ref.Config.GetBool("temporary", false) {
				path = filepath.Join(e.scratch, ref.Name)
			} else {
				path = filepath.Join(e.OutputPath, ref.Name)
			}
		}
		img.Dependencies = append(img.Dependencies, image.Dependency{
			Image: part.Image,
			Path:  path,
		})
	}
}
