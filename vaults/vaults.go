// Package vaults discovers local vault files.
package vaults

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

const Ext = ".json"

// Info describes a vault file found on disk.
type Info struct {
	Path     string `json:"path"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	// Modified is the modification time in Unix seconds, nil when unknown.
	Modified *int64 `json:"modified"`
	// Label is the file name without its extension.
	Label string `json:"label"`
}

// DefaultDir is where vaults live when no directory is given.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "pwman")
}

// ResolveDir turns a directory hint into a directory. An empty hint yields DefaultDir
// and a "~/" prefix is replaced by the user's home directory.
func ResolveDir(hint string) (string, error) {
	if hint == "" {
		return DefaultDir(), nil
	}
	if strings.HasPrefix(hint, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, hint[2:]), nil
	}
	return hint, nil
}

// List resolves hint and scans the resulting directory.
func List(hint string) ([]Info, error) {
	dir, err := ResolveDir(hint)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path for %q: %w", dir, err)
	}
	return Scan(abs), nil
}

// Scan returns the vault files directly inside dir, sorted case-insensitively by file name.
// A missing or unreadable directory yields an empty list.
func Scan(dir string) []Info {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []Info{}
	}

	out := []Info{}
	for _, e := range entries {
		name := e.Name()
		// A bare ".json" is a dotfile without an extension.
		if name == Ext || filepath.Ext(name) != Ext || e.IsDir() {
			continue
		}
		info := Info{
			Path:     filepath.Join(dir, name),
			FileName: name,
			Label:    strings.TrimSuffix(name, Ext),
		}
		if fi, err := os.Stat(info.Path); err == nil {
			info.Size = fi.Size()
			if mod := fi.ModTime().Unix(); mod >= 0 {
				info.Modified = &mod
			}
		}
		out = append(out, info)
	}

	fold := cases.Fold()
	keys := make(map[string]string, len(out))
	for _, v := range out {
		keys[v.FileName] = fold.String(v.FileName)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return keys[out[i].FileName] < keys[out[j].FileName]
	})
	return out
}
