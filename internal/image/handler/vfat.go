package handler

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
)

// mtoolsEnv disables the mtools sanity checks that reject freshly
// created filesystems.
var mtoolsEnv = []string{"MTOOLS_SKIP_CHECK=1"}

// vfat creates a FAT filesystem body with mkdosfs and fills it with
// mcopy, optionally shrinking the result to the last used cluster.
type vfat struct {
	env Env

	label     string
	extraArgs string
	minimize  bool
}

func newVfat(env Env) *vfat {
	return &vfat{env: env}
}

func (h *vfat) Setup(img *image.Image, cfg config.Dict) error {
	if img.Size == 0 {
		return image.Errorf(image.BadConfig, "image size not set or zero")
	}
	h.label = cfg.GetString("label", "")
	if len(h.label) > 11 {
		return image.Errorf(image.BadConfig, "vfat volume label cannot exceed 11 characters")
	}
	h.extraArgs = cfg.GetString("extraargs", "")
	h.minimize = cfg.GetBool("minimize", false)
	return nil
}

func (h *vfat) Generate(img *image.Image) error {
	if err := image.PrepareImage(img, img.Size); err != nil {
		return err
	}

	args := strings.Fields(h.extraArgs)
	if h.label != "" {
		args = append(args, "-n", h.label)
	}
	args = append(args, img.OutFile)
	if err := h.env.Tools.Run("mkdosfs", nil, args...); err != nil {
		return image.Errorf(image.IO, "mkdosfs: %w", err)
	}

	for _, part := range img.Partitions {
		src, err := img.ChildPath(part.Image)
		if err != nil {
			return err
		}
		target := part.Name
		if target == "" {
			target = filepath.Base(src)
		}

		if strings.Contains(target, "/") {
			dir := path.Dir(target)
			if err := h.env.Tools.Run("mmd", mtoolsEnv,
				"-DsS", "-i", img.OutFile, "::"+dir); err != nil {
				return image.Errorf(image.IO, "mmd: %w", err)
			}
		}
		if err := h.env.Tools.Run("mcopy", mtoolsEnv,
			"-sp", "-i", img.OutFile, src, "::"+target); err != nil {
			return image.Errorf(image.IO, "mcopy: %w", err)
		}
	}

	// With no declared inserts, the staging directory contents become
	// the filesystem body.
	if !img.Empty && len(img.Partitions) == 0 && img.MountPath() != "" {
		entries, err := os.ReadDir(img.MountPath())
		if err != nil {
			return image.Errorf(image.IO, "read %s: %w", img.MountPath(), err)
		}
		for _, entry := range entries {
			src := filepath.Join(img.MountPath(), entry.Name())
			if err := h.env.Tools.Run("mcopy", mtoolsEnv,
				"-sp", "-i", img.OutFile, src, "::"); err != nil {
				return image.Errorf(image.IO, "mcopy: %w", err)
			}
		}
	}

	if h.minimize {
		return h.minimizeImage(img)
	}
	return nil
}

// minimizeImage truncates the image to the first byte past the last
// used cluster.
func (h *vfat) minimizeImage(img *image.Image) error {
	newSize, err := fatMinimizedSize(img.OutFile)
	if err != nil {
		return err
	}

	info, err := os.Stat(img.OutFile)
	if err != nil {
		return image.Errorf(image.IO, "stat %s: %w", img.OutFile, err)
	}
	if newSize < uint64(info.Size()) {
		f, err := os.OpenFile(img.OutFile, os.O_RDWR, 0)
		if err != nil {
			return image.Errorf(image.IO, "open %s: %w", img.OutFile, err)
		}
		defer f.Close()
		if err := f.Truncate(int64(newSize)); err != nil {
			return image.Errorf(image.IO, "truncate %s: %w", img.OutFile, err)
		}
		img.Size = newSize
		log.Infof("minimized %s to %s (0x%x bytes)", img.OutFile, humanize.IBytes(newSize), newSize)
	}
	return nil
}
