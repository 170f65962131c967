// Package install provides the collaborators that prepare a launch: the
// model directory and the server binary.
package install

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ModelDirResolver returns the directory holding the server's models.
type ModelDirResolver interface {
	ResolveModelDirectory(ctx context.Context) (string, error)
}

// BinaryInstaller makes sure the server executable exists and returns its path.
type BinaryInstaller interface {
	EnsureBinaryInstalled(ctx context.Context) (string, error)
}

// ErrNoModelDir is returned when no directory has been configured.
var ErrNoModelDir = errors.New("model directory not configured")

// StaticModelDir resolves to a fixed directory, creating it when allowed.
type StaticModelDir struct {
	Path   string
	Create bool
}

func (s StaticModelDir) ResolveModelDirectory(ctx context.Context) (string, error) {
	if s.Path == "" {
		return "", ErrNoModelDir
	}
	p, err := filepath.Abs(filepath.Clean(s.Path))
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(p)
	switch {
	case errors.Is(err, os.ErrNotExist) && s.Create:
		if err := os.MkdirAll(p, 0o750); err != nil {
			return "", fmt.Errorf("create model directory: %w", err)
		}
		return p, nil
	case err != nil:
		return "", fmt.Errorf("model directory: %w", err)
	case !fi.IsDir():
		return "", fmt.Errorf("model directory %s is not a directory", p)
	}
	return p, checkWritable(p)
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".ollamad-probe-*")
	if err != nil {
		return fmt.Errorf("model directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// PathBinary resolves an existing executable by path or $PATH lookup.
type PathBinary struct {
	Path string
}

func (p PathBinary) EnsureBinaryInstalled(ctx context.Context) (string, error) {
	if p.Path == "" {
		return "", errors.New("binary path not configured")
	}
	resolved, err := exec.LookPath(p.Path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

// AssetInstaller copies a bundled binary into Dest and marks it executable.
// An existing Dest with identical content is left alone.
type AssetInstaller struct {
	Asset string
	Dest  string
}

func (a AssetInstaller) EnsureBinaryInstalled(ctx context.Context) (string, error) {
	if a.Dest == "" {
		return "", errors.New("install destination not configured")
	}
	dest := filepath.Clean(a.Dest)
	if a.Asset == "" {
		// nothing to install from; accept a binary already in place
		return PathBinary{Path: dest}.EnsureBinaryInstalled(ctx)
	}
	same, err := sameContent(a.Asset, dest)
	if err != nil {
		return "", err
	}
	if !same {
		if err := copyExecutable(a.Asset, dest); err != nil {
			return "", err
		}
	}
	if err := os.Chmod(dest, 0o755); err != nil { // #nosec G302 -- must be executable
		return "", fmt.Errorf("chmod %s: %w", dest, err)
	}
	return dest, nil
}

func sameContent(src, dst string) (bool, error) {
	a, err := fileDigest(src)
	if err != nil {
		return false, fmt.Errorf("read asset: %w", err)
	}
	b, err := fileDigest(dst)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a == b, nil
}

func fileDigest(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return sum, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// copyExecutable writes src to a temp file next to dst and renames it into place.
func copyExecutable(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".install-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
