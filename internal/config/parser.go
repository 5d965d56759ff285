package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kendryte-community/flash-image-composer/internal/image"
)

// handlerTypes are the block names accepted as the image's handler
// sub-block.
var handlerTypes = map[string]bool{
	"vfat":    true,
	"hdimage": true,
	"kdimage": true,
	"uffs":    true,
}

// Load parses the configuration file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Errorf(image.IO, "open config %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the block-structured configuration. Comments start at
// '#' and run to end of line; blank lines are ignored.
func Parse(r io.Reader) (*File, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, image.Errorf(image.IO, "read config: %w", err)
	}

	p := &parser{lines: lines}
	return p.parseFile()
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	line := p.lines[p.pos]
	p.pos++
	return line, true
}

func (p *parser) parseFile() (*File, error) {
	file := &File{}
	for {
		line, ok := p.next()
		if !ok {
			return file, nil
		}
		name, arg, open := splitOpener(line)
		switch {
		case name == "image" && open && arg != "":
			img, err := p.parseImage(arg)
			if err != nil {
				return nil, err
			}
			file.Images = append(file.Images, img)
		case name == "flash" && open && arg != "":
			cfg, err := p.parseDict()
			if err != nil {
				return nil, err
			}
			file.Flash = append(file.Flash, &FlashBlock{Name: arg, Config: cfg})
		default:
			return nil, image.Errorf(image.BadConfig, "unknown block type %q", line)
		}
	}
}

func (p *parser) parseImage(name string) (*ImageBlock, error) {
	img := &ImageBlock{Name: name, Config: Dict{}, TypeConfig: Dict{}}
	for {
		line, ok := p.next()
		if !ok {
			return nil, image.Errorf(image.BadConfig, "image %s: missing closing brace", name)
		}
		if line == "}" {
			return img, nil
		}

		blockName, arg, open := splitOpener(line)
		switch {
		case open && blockName == "partition":
			if arg == "" {
				return nil, image.Errorf(image.BadConfig, "image %s: partition block needs a name", name)
			}
			cfg, err := p.parseDict()
			if err != nil {
				return nil, err
			}
			img.Partitions = append(img.Partitions, SubBlock{Name: arg, Config: cfg})
		case open && handlerTypes[blockName]:
			if img.Type != "" {
				return nil, image.Errorf(image.BadConfig, "image %s: more than one handler block", name)
			}
			img.Type = blockName
			cfg, contents, err := p.parseHandlerDict()
			if err != nil {
				return nil, err
			}
			img.TypeConfig = cfg
			img.Contents = contents
		case open:
			return nil, image.Errorf(image.BadConfig, "image %s: unknown block %q", name, blockName)
		default:
			key, value, err := parseAssignment(line)
			if err != nil {
				return nil, err
			}
			img.Config[key] = value
		}
	}
}

// parseDict reads key = value pairs until the closing brace.
func (p *parser) parseDict() (Dict, error) {
	dict := Dict{}
	for {
		line, ok := p.next()
		if !ok {
			return nil, image.Errorf(image.BadConfig, "missing closing brace")
		}
		if line == "}" {
			return dict, nil
		}
		key, value, err := parseAssignment(line)
		if err != nil {
			return nil, err
		}
		dict[key] = value
	}
}

// parseHandlerDict reads a handler block, which may also carry repeated
// content sub-blocks.
func (p *parser) parseHandlerDict() (Dict, []SubBlock, error) {
	dict := Dict{}
	var contents []SubBlock
	for {
		line, ok := p.next()
		if !ok {
			return nil, nil, image.Errorf(image.BadConfig, "missing closing brace")
		}
		if line == "}" {
			return dict, contents, nil
		}
		blockName, arg, open := splitOpener(line)
		if open && blockName == "content" {
			cfg, err := p.parseDict()
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, SubBlock{Name: arg, Config: cfg})
			continue
		}
		if open {
			return nil, nil, image.Errorf(image.BadConfig, "unknown block %q", blockName)
		}
		key, value, err := parseAssignment(line)
		if err != nil {
			return nil, nil, err
		}
		dict[key] = value
	}
}

// splitOpener recognizes "name {" and "name arg {" lines.
func splitOpener(line string) (name, arg string, open bool) {
	if !strings.HasSuffix(line, "{") {
		return "", "", false
	}
	fields := strings.Fields(strings.TrimSuffix(line, "{"))
	switch len(fields) {
	case 1:
		return fields[0], "", true
	case 2:
		return fields[0], fields[1], true
	}
	return "", "", false
}

func parseAssignment(line string) (string, interface{}, error) {
	key, rest, found := strings.Cut(line, "=")
	if !found {
		return "", nil, image.Errorf(image.BadConfig, "expected key = value, got %q", line)
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", nil, image.Errorf(image.BadConfig, "invalid key in %q", line)
	}
	if key == "include" {
		return "", nil, image.Errorf(image.BadConfig, "include directives are not supported")
	}
	return key, parseValue(strings.TrimSpace(rest)), nil
}

func parseValue(s string) interface{} {
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return []string(nil)
		}
		parts := strings.Split(inner, ",")
		list := make([]string, 0, len(parts))
		for _, part := range parts {
			list = append(list, unquote(strings.TrimSpace(part)))
		}
		return list
	}

	s = unquote(s)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && isDigits(s) {
		return v
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
