package inspect

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kendryte-community/flash-image-composer/internal/config"
	"github.com/kendryte-community/flash-image-composer/internal/image"
	"github.com/kendryte-community/flash-image-composer/internal/image/handler"
)

func buildKDImage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	child := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(child, bytes.Repeat([]byte{0x3C}, 6000), 0o644); err != nil {
		t.Fatalf("write child: %v", err)
	}

	img := &image.Image{
		Name:    "fw.kdimg",
		Kind:    "kdimage",
		OutFile: filepath.Join(dir, "fw.kdimg"),
		Partitions: []*image.Partition{
			{Name: "app", ParentImage: "fw.kdimg", InPartitionTable: true,
				Offset: 0x100000, Image: "app.bin"},
		},
		Dependencies: []image.Dependency{{Image: "app.bin", Path: child}},
	}
	cfg := config.Dict{
		"image-info":  "inspect-test",
		"chip-info":   "k230",
		"board-info":  "evb",
		"medium-type": "spi_nor",
	}

	h, err := handler.New("kdimage", handler.Env{Scratch: t.TempDir()})
	if err != nil {
		t.Fatalf("handler.New failed: %v", err)
	}
	if err := h.Setup(img, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := h.Generate(img); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return img.OutFile
}

func TestInspectKDImageRoundTrip(t *testing.T) {
	path := buildKDImage(t)

	summary, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if summary.KD == nil {
		t.Fatalf("KD header not detected")
	}

	kd := summary.KD
	if kd.Version != 2 {
		t.Fatalf("version = %d", kd.Version)
	}
	if kd.ImageInfo != "inspect-test" || kd.ChipInfo != "k230" || kd.BoardInfo != "evb" {
		t.Fatalf("info strings = %q/%q/%q", kd.ImageInfo, kd.ChipInfo, kd.BoardInfo)
	}
	if !kd.HeaderCRCOK {
		t.Fatalf("header CRC did not validate")
	}
	if !kd.TableCRCOK {
		t.Fatalf("table CRC did not validate")
	}
	if kd.PartitionCount != 1 || len(kd.Partitions) != 1 {
		t.Fatalf("partition count = %d (%d decoded)", kd.PartitionCount, len(kd.Partitions))
	}

	part := kd.Partitions[0]
	if part.Name != "app" {
		t.Fatalf("partition name = %q", part.Name)
	}
	if part.ContentOffset != 64*1024 || part.ContentSize != 8192 {
		t.Fatalf("content region = %d+%d", part.ContentOffset, part.ContentSize)
	}
	if !part.SHA256OK {
		t.Fatalf("content SHA-256 did not validate")
	}
}

func TestInspectDetectsCorruptedKDContent(t *testing.T) {
	path := buildKDImage(t)

	// Flip one content byte; the descriptor hash must stop matching
	// while the header stays intact.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, 64*1024+100); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	summary, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if summary.KD == nil || !summary.KD.HeaderCRCOK {
		t.Fatalf("header should still validate")
	}
	if summary.KD.Partitions[0].SHA256OK {
		t.Fatalf("corrupted content must fail the SHA-256 check")
	}
}

func TestWriteSummaryFormats(t *testing.T) {
	path := buildKDImage(t)
	summary, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}

	var text bytes.Buffer
	if err := WriteSummary(&text, summary, "text", false); err != nil {
		t.Fatalf("text render failed: %v", err)
	}
	if !strings.Contains(text.String(), "KD image (version 2)") {
		t.Fatalf("text output lacks the KD section:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := WriteSummary(&js, summary, "json", true); err != nil {
		t.Fatalf("json render failed: %v", err)
	}
	if !strings.Contains(js.String(), "\"kdImage\"") {
		t.Fatalf("json output lacks the kdImage key")
	}

	var yml bytes.Buffer
	if err := WriteSummary(&yml, summary, "yaml", false); err != nil {
		t.Fatalf("yaml render failed: %v", err)
	}
	if !strings.Contains(yml.String(), "kdImage:") {
		t.Fatalf("yaml output lacks the kdImage key")
	}

	if err := WriteSummary(&yml, summary, "xml", false); err == nil {
		t.Fatalf("unsupported format must fail")
	}
}
