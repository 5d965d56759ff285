// Package fstools locates and runs the external filesystem tools the
// image handlers depend on (mkdosfs, mmd, mcopy, mkuffs).
package fstools

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var log = logger.Logger()

// Toolbox abstracts tool lookup and invocation so handlers can be
// exercised in tests without the real binaries installed.
type Toolbox interface {
	Find(tool string) string
	Run(tool string, env []string, args ...string) error
}

// DefaultToolbox resolves tools from an optional local bin directory
// first, then from PATH.
type DefaultToolbox struct {
	BinDir string
}

var Default Toolbox = &DefaultToolbox{}

// Find returns the path of the given tool. Lookup order: BinDir, then
// PATH. When neither resolves, the bare name is returned and the OS
// decides at exec time.
func (d *DefaultToolbox) Find(tool string) string {
	if d.BinDir != "" {
		local := filepath.Join(d.BinDir, tool)
		if info, err := os.Stat(local); err == nil && info.Mode()&0o111 != 0 {
			return local
		}
	}
	if path, err := exec.LookPath(tool); err == nil {
		return path
	}
	return tool
}

// Run executes the tool with the given extra environment entries,
// inheriting the ambient environment. Combined output is logged at
// debug level and attached to the error on failure.
func (d *DefaultToolbox) Run(tool string, env []string, args ...string) error {
	path := d.Find(tool)
	log.Debugf("run: %s %s", path, strings.Join(args, " "))

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), env...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return fmt.Errorf("exec %s: %s: %w", tool, strings.TrimSpace(string(output)), err)
		}
		return fmt.Errorf("exec %s: %w", tool, err)
	}
	if len(output) > 0 {
		log.Debugf("%s", strings.TrimSpace(string(output)))
	}
	return nil
}

// RunShell runs a shell command line (exec-pre/exec-post hooks).
func RunShell(cmdline string) error {
	log.Debugf("run: [%s]", cmdline)
	cmd := exec.Command("sh", "-c", cmdline)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("exec [%s]: %s: %w", cmdline, strings.TrimSpace(string(output)), err)
	}
	if len(output) > 0 {
		log.Debugf("%s", strings.TrimSpace(string(output)))
	}
	return nil
}

// Convenience wrappers over the default toolbox.
func Find(tool string) string                            { return Default.Find(tool) }
func Run(tool string, env []string, args ...string) error { return Default.Run(tool, env, args...) }
