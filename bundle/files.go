package bundle

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ModuleExt is the file extension of guest module binaries.
const ModuleExt = ".wasm"

// FindModules resolves module names to <dir>/<name>.wasm paths that exist
// as regular files. Names that already carry the extension are accepted.
// Missing names are omitted; order follows names.
func FindModules(dir string, names []string) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		file := name
		if !strings.HasSuffix(file, ModuleExt) {
			file += ModuleExt
		}
		path := filepath.Join(dir, filepath.Base(file))
		if seen[path] {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}

// SocketPath returns the rendezvous socket for a bundle directory. A path
// already ending in suffix is returned unchanged.
func SocketPath(bundleDir, suffix string) string {
	if strings.HasSuffix(bundleDir, suffix) {
		return bundleDir
	}
	return filepath.Clean(bundleDir) + suffix
}

// RemoveSocket deletes a rendezvous socket file. A missing file is not an error.
func RemoveSocket(path string) error {
	err := os.Remove(path)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
