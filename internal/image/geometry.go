package image

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var log = logger.Logger()

const insertChunkSize = 4 * 1024 * 1024

// progressThreshold is the child-body size at or above which InsertData
// shows a progress bar.
const progressThreshold = 16 * 1024 * 1024

// ParseSize parses a size literal: decimal, hex (0x...), or a number
// with a k/m/g/t suffix (IEC powers of 1024, case-insensitive).
// Fractional values such as "1.5m" are allowed; the result truncates to
// whole bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, Errorf(BadSize, "empty size")
	}

	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, Errorf(BadSize, "invalid hex size %q", s)
		}
		return v, nil
	}

	var mult uint64 = 1
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	case 't':
		mult = 1 << 40
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	if mult == 1 && !strings.Contains(s, ".") {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, Errorf(BadSize, "invalid size %q", s)
		}
		return v, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, Errorf(BadSize, "invalid size %q", s)
	}
	return uint64(f * float64(mult)), nil
}

// Roundup returns the nearest multiple of align that is >= value.
// align == 0 returns value unchanged.
func Roundup(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return ((value + align - 1) / align) * align
}

// Rounddown returns the nearest multiple of align that is <= value.
// align == 0 returns value unchanged.
func Rounddown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value - value%align
}

// InsertData copies the file at srcPath into the image's output file at
// the given offset, then pads the remainder of the slot with the pad
// byte. The output file must already be sized so that offset+slotSize
// fits.
func InsertData(img *Image, srcPath string, slotSize, offset uint64, pad PadPolicy) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return Errorf(MissingChild, "%s does not exist", srcPath)
	}
	srcSize := uint64(srcInfo.Size())

	out, err := os.OpenFile(img.OutFile, os.O_RDWR, 0)
	if err != nil {
		return Errorf(IO, "open %s: %w", img.OutFile, err)
	}
	defer out.Close()

	if _, err := out.Seek(int64(offset), io.SeekStart); err != nil {
		return Errorf(IO, "seek %s: %w", img.OutFile, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return Errorf(IO, "open %s: %w", srcPath, err)
	}
	defer src.Close()

	log.Debugf("insert data: %s to %s at %d size %s",
		srcPath, img.OutFile, offset, humanize.IBytes(srcSize))

	var dst io.Writer = out
	var bar *progressbar.ProgressBar
	if srcSize >= progressThreshold {
		bar = progressbar.DefaultBytes(int64(srcSize), filepath.Base(srcPath))
		dst = io.MultiWriter(out, bar)
	}

	buf := make([]byte, insertChunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return Errorf(IO, "copy %s: %w", srcPath, err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if srcSize < slotSize {
		if err := writePad(out, slotSize-srcSize, byte(pad)); err != nil {
			return err
		}
		log.Debugf("write padding: %d bytes", slotSize-srcSize)
	}
	return nil
}

func writePad(w io.Writer, n uint64, pad byte) error {
	chunk := make([]byte, insertChunkSize)
	if pad != 0 {
		for i := range chunk {
			chunk[i] = pad
		}
	}
	for n > 0 {
		step := n
		if step > uint64(len(chunk)) {
			step = uint64(len(chunk))
		}
		if _, err := w.Write(chunk[:step]); err != nil {
			return Errorf(IO, "write padding: %w", err)
		}
		n -= step
	}
	return nil
}

// PrepareImage re-creates the image's output file as a sparse file of
// exactly the given size (the image's own size when size is zero). The
// parent directory is created as needed.
func PrepareImage(img *Image, size uint64) error {
	if size == 0 {
		size = img.Size
	}
	if dir := filepath.Dir(img.OutFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Errorf(IO, "create %s: %w", dir, err)
		}
	}
	f, err := os.Create(img.OutFile)
	if err != nil {
		return Errorf(IO, "create %s: %w", img.OutFile, err)
	}
	defer f.Close()

	if size > 0 {
		log.Debugf("prepare image %s size %d bytes", img.OutFile, size)
		if _, err := f.Seek(int64(size-1), io.SeekStart); err != nil {
			return Errorf(IO, "seek %s: %w", img.OutFile, err)
		}
		if _, err := f.Write([]byte{0x00}); err != nil {
			return Errorf(IO, "write %s: %w", img.OutFile, err)
		}
	}
	return nil
}

// WriteFileAt writes raw bytes into an existing file at the given
// offset.
func WriteFileAt(path string, offset uint64, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Errorf(IO, "open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return Errorf(IO, "write %s at %d: %w", path, offset, err)
	}
	return nil
}
