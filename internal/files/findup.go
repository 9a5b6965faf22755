package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir towards the filesystem root and returns the path of the
// first entry called name. Directories that cannot be read are skipped.
// It returns "" if nothing matches.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err == nil {
			for _, e := range entries {
				if name == e.Name() && !e.IsDir() {
					return filepath.Join(curDir, name)
				}
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
