package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pwman/sidecar/internal/files"
)

// Resolve locates the executable for command.
//
// A command containing a path separator is used as given. A bare name is looked up, in order,
// next to the running executable (the bundled layout), in the working directory and its
// parents (the development layout), and on $PATH. On Windows ".exe" is appended to bare names.
func Resolve(command string) (string, error) {
	if command == "" {
		return "", errors.New("locating sidecar: empty command")
	}

	if strings.ContainsAny(command, `/\`) {
		abs, err := filepath.Abs(command)
		if err != nil {
			return "", fmt.Errorf("locating sidecar %q: %w", command, err)
		}
		if err := checkExecutable(abs); err != nil {
			return "", fmt.Errorf("locating sidecar %q: %w", command, err)
		}
		return abs, nil
	}

	name := command
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}

	if wd, err := os.Getwd(); err == nil {
		if candidate := files.FindUp(name, wd); candidate != "" && checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("locating sidecar %q: %w", command, err)
	}
	return path, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
