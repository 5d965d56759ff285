package handler

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
)

// eccOptions maps the numeric ecc-option onto the mkuffs -x argument.
var eccOptions = []string{"none", "soft", "hw", "auto"}

// uffs materializes a UFFS filesystem body by driving mkuffs over the
// staging directory.
type uffs struct {
	env Env

	extraArgs string
	partSize  uint64
}

func newUffs(env Env) *uffs {
	return &uffs{env: env}
}

func (h *uffs) Setup(img *image.Image, cfg config.Dict) error {
	flash := img.Flash
	if flash == nil {
		return image.Errorf(image.BadConfig, "flash type not specified")
	}
	if !flash.IsUffs {
		return image.Errorf(image.BadConfig, "specified flash type is not uffs")
	}
	if flash.PageSize == 0 || flash.BlockPages == 0 || flash.TotalBlocks == 0 {
		return image.Errorf(image.BadConfig, "invalid flash geometry for uffs (page-size, block-pages, total-blocks must be set)")
	}
	if flash.ECCOption < 0 || flash.ECCOption >= len(eccOptions) {
		return image.Errorf(image.BadConfig, "invalid uffs flash ecc option %d", flash.ECCOption)
	}

	h.extraArgs = cfg.GetString("extraargs", "")
	size, err := cfg.GetSize("size", img.Size)
	if err != nil {
		return err
	}
	h.partSize = size
	return nil
}

func (h *uffs) Generate(img *image.Image) error {
	flash := img.Flash
	blockSize := flash.PageSize * flash.BlockPages
	if h.partSize == 0 || h.partSize%blockSize != 0 {
		return image.Errorf(image.BadSize,
			"invalid image size (%d), must be aligned to %d bytes", h.partSize, blockSize)
	}
	totalBlocks := h.partSize / blockSize

	if dir := filepath.Dir(img.OutFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return image.Errorf(image.IO, "create %s: %w", dir, err)
		}
	}
	// mkuffs refuses to overwrite an existing image.
	if err := os.Remove(img.OutFile); err != nil && !os.IsNotExist(err) {
		return image.Errorf(image.IO, "remove %s: %w", img.OutFile, err)
	}

	args := []string{
		"-f", img.OutFile,
		"-p", strconv.FormatUint(flash.PageSize, 10),
		"-s", strconv.FormatUint(flash.SpareSize, 10),
		"-b", strconv.FormatUint(flash.BlockPages, 10),
		"-t", strconv.FormatUint(totalBlocks, 10),
		"-x", eccOptions[flash.ECCOption],
		"-o", "0",
		"-d", img.MountPath(),
	}
	args = append(args, strings.Fields(h.extraArgs)...)
	if err := h.env.Tools.Run("mkuffs", nil, args...); err != nil {
		return image.Errorf(image.IO, "mkuffs: %w", err)
	}

	info, err := os.Stat(img.OutFile)
	if err != nil {
		return image.Errorf(image.IO, "cannot stat generated image %s: %w", img.OutFile, err)
	}
	img.Size = uint64(info.Size())
	return nil
}
