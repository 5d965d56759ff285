// Package handler implements the container handlers: hdimage, kdimage,
// vfat, and uffs. Each handler computes the final layout of its image
// during Setup and emits bytes during Generate.
package handler

import (
	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/utils/fstools"
	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var log = logger.Logger()

// Env carries the engine-owned resources a handler may use: the scratch
// directory and the external-tool toolbox.
type Env struct {
	Scratch string
	Tools   fstools.Toolbox
}

// Handler is one container type. Setup validates the configuration and
// solves the layout (it may append internal bookkeeping partitions);
// Generate writes the output file.
type Handler interface {
	Setup(img *image.Image, cfg config.Dict) error
	Generate(img *image.Image) error
}

var registry = map[string]func(Env) Handler{
	"hdimage": func(env Env) Handler { return newHdImage(env) },
	"kdimage": func(env Env) Handler { return newKdImage(env) },
	"vfat":    func(env Env) Handler { return newVfat(env) },
	"uffs":    func(env Env) Handler { return newUffs(env) },
}

// New returns a fresh handler for the given image kind.
func New(kind string, env Env) (Handler, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, image.Errorf(image.BadConfig, "unknown image type %s", kind)
	}
	return ctor(env), nil
}

// Known reports whether the image kind has a handler.
func Known(kind string) bool {
	_, ok := registry[kind]
	return ok
}
