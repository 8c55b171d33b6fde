// Package workspace prepares the scratch directories and verifies the
// browser binaries the service depends on at startup.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Options lists what Prepare should create and verify.
type Options struct {
	// ScratchDirs are created world-writable and probed for writability.
	// The browser and its driver cache downloads and profiles here.
	ScratchDirs []string
	// Binaries are checked for existence and the executable bit.
	Binaries []string
	// Strict turns any failed check into an error instead of a warning.
	Strict bool
}

// Check records the outcome of one startup verification.
type Check struct {
	Name   string
	Path   string
	OK     bool
	Detail string
}

// Report aggregates all startup checks.
type Report struct {
	Checks []Check
}

// Failures returns the checks that did not pass.
func (r Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Prepare creates the scratch directories and verifies the binaries. With
// Strict unset, failures are logged and the service starts anyway; the
// affected jobs fail later with clearer errors.
func Prepare(logger *zap.Logger, opts Options) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report Report

	for _, dir := range opts.ScratchDirs {
		report.Checks = append(report.Checks, prepareDir(dir))
	}
	for _, bin := range opts.Binaries {
		report.Checks = append(report.Checks, checkBinary(bin))
	}

	for _, c := range report.Checks {
		if c.OK {
			logger.Debug("workspace check passed", zap.String("name", c.Name), zap.String("path", c.Path))
			continue
		}
		logger.Warn("workspace check failed",
			zap.String("name", c.Name),
			zap.String("path", c.Path),
			zap.String("detail", c.Detail),
		)
	}

	if opts.Strict {
		if failures := report.Failures(); len(failures) > 0 {
			return report, fmt.Errorf("workspace not ready: %d check(s) failed, first: %s %s",
				len(failures), failures[0].Name, failures[0].Detail)
		}
	}
	return report, nil
}

// prepareDir creates dir, opens its permissions so browser subprocesses
// running under any uid can write, and probes writability.
func prepareDir(dir string) Check {
	c := Check{Name: "scratch_dir", Path: dir}
	if dir == "" {
		c.Detail = "empty path"
		return c
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		c.Detail = fmt.Sprintf("create: %v", err)
		return c
	}
	// MkdirAll is subject to the umask; chmod to make it world-writable.
	if err := os.Chmod(dir, 0o777); err != nil {
		c.Detail = fmt.Sprintf("chmod: %v", err)
		return c
	}
	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		c.Detail = fmt.Sprintf("probe write: %v", err)
		return c
	}
	if err := os.Remove(probe); err != nil {
		c.Detail = fmt.Sprintf("probe cleanup: %v", err)
		return c
	}
	c.OK = true
	return c
}

func checkBinary(path string) Check {
	c := Check{Name: "binary", Path: path}
	if path == "" {
		c.Detail = "empty path"
		return c
	}
	info, err := os.Stat(path)
	if err != nil {
		c.Detail = fmt.Sprintf("stat: %v", err)
		return c
	}
	if info.IsDir() {
		c.Detail = "is a directory"
		return c
	}
	if info.Mode().Perm()&0o111 == 0 {
		c.Detail = "not executable"
		return c
	}
	c.OK = true
	return c
}
