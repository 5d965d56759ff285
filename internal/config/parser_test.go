package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/kendryte-community/flash-image-composer/internal/image"
)

const sampleConfig = `
# top-level comment
image sdcard.img {
	hdimage {
		partition-table-type = "mbr"
		align = 512
		disk-signature = 0x12345678  # trailing comment
	}
	size = 64M
	partition boot {
		image = "boot.vfat"
		partition-type = 0x0c
		bootable = true
		size = 16M
	}
	partition rootfs {
		image = rootfs.ext4
		partition-type = 0x83
	}
}

image boot.vfat {
	vfat {
		label = "BOOT"
		files = {"app.elf", "config.txt"}
		content {
			name = "firmware/fw.bin"
			image = "fw.bin"
		}
	}
	size = 16M
	temporary = true
}

flash nand-4k {
	page-size = 4096
	block-pages = 64
	total-blocks = 1024
	ecc-option = 3
}
`

func TestParseFullConfig(t *testing.T) {
	file, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(file.Images) != 2 || len(file.Flash) != 1 {
		t.Fatalf("got %d images, %d flash blocks", len(file.Images), len(file.Flash))
	}

	disk := file.Images[0]
	if disk.Name != "sdcard.img" || disk.Type != "hdimage" {
		t.Fatalf("first image = %s (%s)", disk.Name, disk.Type)
	}
	if got := disk.TypeConfig.GetString("partition-table-type", ""); got != "mbr" {
		t.Fatalf("partition-table-type = %q", got)
	}
	if got := disk.TypeConfig.GetInt("align", 0); got != 512 {
		t.Fatalf("align = %d", got)
	}
	if got := disk.TypeConfig.GetString("disk-signature", ""); got != "0x12345678" {
		t.Fatalf("disk-signature = %q", got)
	}
	if got := disk.Config.GetString("size", ""); got != "64M" {
		t.Fatalf("size = %q", got)
	}
	if len(disk.Partitions) != 2 {
		t.Fatalf("partition count = %d", len(disk.Partitions))
	}
	boot := disk.Partitions[0]
	if boot.Name != "boot" || !boot.Config.GetBool("bootable", false) {
		t.Fatalf("boot partition mis-parsed: %+v", boot)
	}
	if got := boot.Config.GetString("image", ""); got != "boot.vfat" {
		t.Fatalf("boot image = %q", got)
	}

	vfat := file.Images[1]
	if !vfat.Config.GetBool("temporary", false) {
		t.Fatalf("temporary flag lost")
	}
	files := vfat.TypeConfig.GetList("files")
	if len(files) != 2 || files[0] != "app.elf" || files[1] != "config.txt" {
		t.Fatalf("files list = %v", files)
	}
	if len(vfat.Contents) != 1 {
		t.Fatalf("content blocks = %d", len(vfat.Contents))
	}
	if got := vfat.Contents[0].Config.GetString("name", ""); got != "firmware/fw.bin" {
		t.Fatalf("content name = %q", got)
	}

	flash := file.FlashByName("nand-4k")
	if flash == nil {
		t.Fatalf("flash block not found")
	}
	if got, _ := flash.Config.GetSize("page-size", 0); got != 4096 {
		t.Fatalf("page-size = %d", got)
	}
}

func TestParseRejectsUnknownTopLevelBlock(t *testing.T) {
	_, err := Parse(strings.NewReader("device foo {\n}\n"))
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestParseRejectsUnknownHandlerBlock(t *testing.T) {
	_, err := Parse(strings.NewReader("image a {\n\text9 {\n\t}\n}\n"))
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestParseRejectsInclude(t *testing.T) {
	_, err := Parse(strings.NewReader("image a {\n\thdimage {\n\t\tinclude = \"other.cfg\"\n\t}\n}\n"))
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestParseRejectsMissingBrace(t *testing.T) {
	_, err := Parse(strings.NewReader("image a {\n\thdimage {\n"))
	if !errors.Is(err, image.ErrBadConfig) {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestDictGetters(t *testing.T) {
	d := Dict{
		"str":  "hello",
		"num":  int64(42),
		"flag": true,
		"size": "4M",
	}
	if d.GetString("str", "") != "hello" {
		t.Fatalf("GetString failed")
	}
	if d.GetString("num", "") != "42" {
		t.Fatalf("GetString of an int literal should render it back")
	}
	if d.GetInt("num", 0) != 42 {
		t.Fatalf("GetInt failed")
	}
	if !d.GetBool("flag", false) {
		t.Fatalf("GetBool failed")
	}
	size, err := d.GetSize("size", 0)
	if err != nil || size != 4*1024*1024 {
		t.Fatalf("GetSize = %d, %v", size, err)
	}
	if def, err := d.GetSize("absent", 99); err != nil || def != 99 {
		t.Fatalf("GetSize default = %d, %v", def, err)
	}
	if d.Has("absent") {
		t.Fatalf("Has(absent) = true")
	}
}
