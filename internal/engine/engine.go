// Package engine drives a run: it parses the configuration, builds the
// image model, orders images by their dependencies, and runs each
// image's handler inside an engine-owned scratch context.
package engine

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/handler"
	"github.com/kendryte-community/flash-image-composer/internal/utils/fstools"
	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var log = logger.Logger()

// Engine owns one image-generation run.
type Engine struct {
	RootPath   string
	OutputPath string
	ConfigFile string

	Tools fstools.Toolbox

	scratch string
	images  []*image.Image
	cfgs    map[string]config.Dict
}

// New creates an engine with its own scratch directory. Close must be
// called to tear the scratch down.
func New(rootPath, outputPath, configFile string) (*Engine, error) {
	scratch, err := os.MkdirTemp("", "genimage-")
	if err != nil {
		return nil, image.Errorf(image.IO, "create scratch directory: %w", err)
	}
	return &Engine{
		RootPath:   rootPath,
		OutputPath: outputPath,
		ConfigFile: configFile,
		Tools:      fstools.Default,
		scratch:    scratch,
	}, nil
}

// Close removes the scratch directory. Safe on every exit path.
func (e *Engine) Close() {
	if e.scratch != "" {
		os.RemoveAll(e.scratch)
		e.scratch = ""
	}
}

// Scratch returns the engine-owned scratch directory.
func (e *Engine) Scratch() string { return e.scratch }

// Load parses the configuration and materializes the image model in
// dependency order.
func (e *Engine) Load() error {
	file, err := config.Load(e.ConfigFile)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(file.Images))
	for _, block := range file.Images {
		if seen[block.Name] {
			return image.Errorf(image.BadConfig, "duplicate image name %s", block.Name)
		}
		seen[block.Name] = true
	}

	ordered, err := sortByDependencies(file.Images)
	if err != nil {
		return err
	}

	e.cfgs = make(map[string]config.Dict, len(ordered))
	for _, block := range ordered {
		img, err := e.buildImage(file, block)
		if err != nil {
			return err
		}
		e.images = append(e.images, img)
		e.cfgs[img.Name] = block.TypeConfig
	}
	return nil
}

// Images returns the materialized images in build order.
func (e *Engine) Images() []*image.Image { return e.images }

// Run generates every image. A failing image aborts the run only when
// a pending image depends on it; independent images still build.
func (e *Engine) Run() error {
	if err := e.stageRoot(); err != nil {
		return err
	}
	if e.images == nil {
		if err := e.Load(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(e.OutputPath, 0o755); err != nil {
		return image.Errorf(image.IO, "create output directory: %w", err)
	}

	var errs []error
	failed := make(map[string]bool)

	for i, img := range e.images {
		if depFailed(img, failed) {
			return errors.Join(append(errs, image.Errorf(image.Internal,
				"image %s depends on a failed image", img.Name))...)
		}

		log.Infof("generating image %s (%s)", img.Name, img.Kind)
		if err := e.generateOne(img); err != nil {
			log.Errorf("image %s failed: %v", img.Name, err)
			failed[img.Name] = true
			errs = append(errs, err)

			// Abort when anything still pending depends on this image.
			for _, rest := range e.images[i+1:] {
				if depFailed(rest, failed) {
					return errors.Join(errs...)
				}
			}
			continue
		}
		log.Infof("image %s generated", img.Name)
	}
	return errors.Join(errs...)
}

func (e *Engine) generateOne(img *image.Image) error {
	if img.ExecPre != "" {
		log.Debugf("run pre command: %s", img.ExecPre)
		if err := fstools.RunShell(img.ExecPre); err != nil {
			return image.Errorf(image.IO, "exec-pre: %w", err)
		}
	}

	h, err := handler.New(img.Kind, handler.Env{Scratch: e.scratch, Tools: e.Tools})
	if err != nil {
		return err
	}
	if err := h.Setup(img, e.cfgs[img.Name]); err != nil {
		return err
	}
	if err := h.Generate(img); err != nil {
		return err
	}

	if img.ExecPost != "" {
		log.Debugf("run post command: %s", img.ExecPost)
		if err := fstools.RunShell(img.ExecPost); err != nil {
			return image.Errorf(image.IO, "exec-post: %w", err)
		}
	}
	return nil
}

func depFailed(img *image.Image, failed map[string]bool) bool {
	for _, dep := range img.Dependencies {
		if failed[dep.Image] {
			return true
		}
	}
	return false
}

// stageRoot copies the root path into the scratch directory, giving
// filesystem handlers a mutable staging tree.
func (e *Engine) stageRoot() error {
	if e.RootPath == "" {
		return nil
	}
	dst := filepath.Join(e.scratch, "root")
	if err := copyTree(e.RootPath, dst); err != nil {
		return image.Errorf(image.IO, "stage root path: %w", err)
	}
	return nil
}

// stageMountpoint moves the image's mountpoint subtree out of the
// staged root, so sibling images no longer see its contents, and
// recreates the original directory.
func (e *Engine) stageMountpoint(img *image.Image) error {
	if img.Mountpoint == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(e.scratch, "root")); err != nil {
		// Root not staged (validate-only load); nothing to move.
		return nil
	}
	src := filepath.Join(e.scratch, "root", img.Mountpoint)
	dst := filepath.Join(e.scratch, "mp-"+img.Mountpoint)

	info, err := os.Stat(src)
	if err != nil {
		return image.Errorf(image.BadConfig,
			"image %s: mountpoint %s not found under the root path", img.Name, img.Mountpoint)
	}
	if err := os.Rename(src, dst); err != nil {
		return image.Errorf(image.IO, "stage mountpoint %s: %w", img.Mountpoint, err)
	}
	if err := os.MkdirAll(src, info.Mode().Perm()); err != nil {
		return image.Errorf(image.IO, "recreate mountpoint %s: %w", img.Mountpoint, err)
	}
	img.Mountpath = dst
	return nil
}

// sortByDependencies orders the image blocks so every child image is
// built before its consumers, keeping the declaration order otherwise.
func sortByDependencies(blocks []*config.ImageBlock) ([]*config.ImageBlock, error) {
	byName := make(map[string]*config.ImageBlock, len(blocks))
	for _, b := range blocks {
		byName[b.Name] = b
	}

	deps := func(b *config.ImageBlock) []*config.ImageBlock {
		var out []*config.ImageBlock
		for _, p := range b.Partitions {
			if child := p.Config.GetString("image", ""); child != "" {
				if ref, ok := byName[child]; ok {
					out = append(out, ref)
				}
			}
		}
		for _, c := range b.Contents {
			if child := c.Config.GetString("image", ""); child != "" {
				if ref, ok := byName[child]; ok {
					out = append(out, ref)
				}
			}
		}
		if files := b.TypeConfig.GetList("files"); files != nil {
			for _, f := range files {
				if ref, ok := byName[f]; ok {
					out = append(out, ref)
				}
			}
		}
		return out
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(blocks))
	var ordered []*config.ImageBlock

	var visit func(b *config.ImageBlock) error
	visit = func(b *config.ImageBlock) error {
		switch state[b.Name] {
		case done:
			return nil
		case visiting:
			return image.Errorf(image.BadConfig, "dependency cycle through image %s", b.Name)
		}
		state[b.Name] = visiting
		for _, dep := range deps(b) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[b.Name] = done
		ordered = append(ordered, b)
		return nil
	}

	for _, b := range blocks {
		if err := visit(b); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
