package inspect

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// WriteSummary renders the summary in the requested format: text,
// json, or yaml.
func WriteSummary(w io.Writer, summary *Summary, format string, pretty bool) error {
	switch format {
	case "text":
		printText(w, summary)
		return nil
	case "json":
		var (
			b   []byte
			err error
		)
		if pretty {
			b, err = json.MarshalIndent(summary, "", "  ")
		} else {
			b, err = json.Marshal(summary)
		}
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		b, err := yaml.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		_, err = w.Write(b)
		return err
	}
	return fmt.Errorf("unsupported format %q (supported: text, json, yaml)", format)
}

func printText(w io.Writer, s *Summary) {
	fmt.Fprintf(w, "File:   %s\n", s.File)
	fmt.Fprintf(w, "Size:   %s (%d bytes)\n", humanize.IBytes(uint64(s.SizeBytes)), s.SizeBytes)
	if s.SHA256 != "" {
		fmt.Fprintf(w, "SHA256: %s\n", s.SHA256)
	}

	if s.KD != nil {
		kd := s.KD
		fmt.Fprintf(w, "\nKD image (version %d)\n", kd.Version)
		fmt.Fprintf(w, "  image: %s  chip: %s  board: %s\n", kd.ImageInfo, kd.ChipInfo, kd.BoardInfo)
		fmt.Fprintf(w, "  header crc: %s  table crc: %s\n", okString(kd.HeaderCRCOK), okString(kd.TableCRCOK))
		for _, p := range kd.Partitions {
			fmt.Fprintf(w, "  %-20s offset 0x%08x size %-10s content@0x%x %s sha256 %s\n",
				p.Name, p.Offset, humanize.IBytes(uint64(p.Size)),
				p.ContentOffset, okString(p.SHA256OK), p.SHA256[:16])
		}
	}

	if s.Table != nil {
		fmt.Fprintf(w, "\nPartition table: %s", s.Table.Type)
		if s.Table.DiskGUID != "" {
			fmt.Fprintf(w, " (disk %s)", s.Table.DiskGUID)
		}
		fmt.Fprintln(w)
		for _, p := range s.Table.Partitions {
			boot := " "
			if p.Bootable {
				boot = "*"
			}
			fmt.Fprintf(w, "  %d%s %-20s type %-10s lba %d..%d (%s)\n",
				p.Index, boot, p.Name, p.Type, p.StartLBA, p.EndLBA,
				humanize.IBytes(p.SizeBytes))
		}
	}

	for _, note := range s.Notes {
		fmt.Fprintf(w, "note: %s\n", note)
	}
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "BAD"
}
