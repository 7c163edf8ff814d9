package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// PluginPrefix marks an executable in the plugin directory as a plugin
// candidate. Anything else in the directory is ignored.
const PluginPrefix = "kiorg_plugin_"

// Discovery scans one plugin directory for candidate executables.
type Discovery struct {
	dir      string
	disabled map[string]struct{}
	log      *logrus.Logger
}

// NewDiscovery returns a scanner over dir. Entries in disabled are matched
// against the executable basename with any .exe suffix stripped, with or
// without the kiorg_plugin_ prefix.
func NewDiscovery(dir string, disabled []string, log *logrus.Logger) *Discovery {
	if log == nil {
		log = logrus.New()
	}
	off := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		off[strings.TrimSuffix(name, ".exe")] = struct{}{}
	}
	return &Discovery{dir: dir, disabled: off, log: log}
}

// Discover returns the paths of plugin candidates: regular files directly
// in the directory whose name starts with PluginPrefix and that are
// executable. The scan is flat and a missing directory yields an empty
// result. os.ReadDir sorts by name, so spawn order is stable across runs.
func (d *Discovery) Discover() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, fs.ErrNotExist) {
		d.log.WithField("dir", d.dir).Debug("plugin directory does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory %s: %w", d.dir, err)
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, PluginPrefix) {
			continue
		}
		if d.isDisabled(name) {
			d.log.WithField("plugin", name).Info("plugin disabled by config")
			continue
		}
		path := filepath.Join(d.dir, name)
		// Stat follows symlinks, so a linked binary still qualifies.
		info, err := os.Stat(path)
		if err != nil {
			d.log.WithField("plugin", name).WithError(err).Debug("skipping unreadable candidate")
			continue
		}
		if !isExecutable(info) {
			d.log.WithField("plugin", name).Debug("skipping non-executable candidate")
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (d *Discovery) isDisabled(filename string) bool {
	stem := strings.TrimSuffix(filename, ".exe")
	if _, off := d.disabled[stem]; off {
		return true
	}
	_, off := d.disabled[strings.TrimPrefix(stem, PluginPrefix)]
	return off
}

// isExecutable reports whether info describes something spawnable. Windows
// mode bits carry no execute information, so any regular file qualifies
// there.
func isExecutable(info fs.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
