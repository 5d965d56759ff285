// Package config parses the block-structured text configuration into a
// neutral tree of image, flash, and partition blocks.
package config

import (
	"strconv"

	"github.com/kendryte-community/flash-image-composer/internal/image"
)

// Dict holds the key/value pairs of one brace block. Values are
// strings, bools, int64s, or []string (brace lists), as written.
type Dict map[string]interface{}

// Has reports whether the key is present.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// GetString returns the value as a string, or def when absent. Numeric
// and boolean values are rendered back to their literal form.
func (d Dict) GetString(key, def string) string {
	v, ok := d[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return def
}

// GetBool returns the value as a bool, or def when absent or not a
// boolean literal.
func (d Dict) GetBool(key string, def bool) bool {
	if v, ok := d[key].(bool); ok {
		return v
	}
	return def
}

// GetInt returns the value as an integer: a bare integer literal, or a
// string that strconv.ParseInt accepts with base 0 (decimal, 0x hex,
// octal). It returns def when the key is absent or the value does not
// parse.
func (d Dict) GetInt(key string, def int64) int64 {
	switch t := d[key].(type) {
	case int64:
		return t
	case string:
		if v, err := strconv.ParseInt(t, 0, 64); err == nil {
			return v
		}
	}
	return def
}

// GetSize returns the value parsed as a size literal (decimal, hex, or
// k/m/g/t-suffixed), or def when absent.
func (d Dict) GetSize(key string, def uint64) (uint64, error) {
	switch t := d[key].(type) {
	case nil:
		return def, nil
	case int64:
		if t < 0 {
			return 0, image.Errorf(image.BadSize, "negative size for %s", key)
		}
		return uint64(t), nil
	case string:
		return image.ParseSize(t)
	}
	return 0, image.Errorf(image.BadSize, "invalid size value for %s", key)
}

// GetList returns the value as a list of strings. Scalar strings are
// returned as a single-element list.
func (d Dict) GetList(key string) []string {
	switch t := d[key].(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// SubBlock is a named nested block (partition or content).
type SubBlock struct {
	Name   string
	Config Dict
}

// ImageBlock is one parsed top-level image block.
type ImageBlock struct {
	Name       string
	Type       string // handler type: vfat, hdimage, kdimage, uffs
	TypeConfig Dict   // options of the handler sub-block
	Config     Dict   // free-floating key = value pairs
	Partitions []SubBlock
	Contents   []SubBlock // content sub-blocks inside the handler block
}

// FlashBlock is one parsed top-level flash geometry block.
type FlashBlock struct {
	Name   string
	Config Dict
}

// File is the parse result of one configuration file.
type File struct {
	Images []*ImageBlock
	Flash  []*FlashBlock
}

// FlashByName returns the flash block with the given name, or nil.
func (f *File) FlashByName(name string) *FlashBlock {
	for _, fl := range f.Flash {
		if fl.Name == name {
			return fl
		}
	}
	return nil
}
