// Package storage manages the recording output directory.
// All file operations are restricted to that directory, and nothing below it
// creates directories: the directory is prepared once, before recording.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Errors returned by Dir.
var (
	ErrDirMissing        = errors.New("output directory does not exist")
	ErrInsufficientSpace = errors.New("insufficient free space")
)

// Dir is a recording output directory.
type Dir struct {
	baseDir string
}

// Prepare creates the output directory if needed and returns it.
func Prepare(baseDir string) (*Dir, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &Dir{baseDir: absPath}, nil
}

// Open returns the output directory without touching the filesystem.
// Operations fail with ErrDirMissing if it does not exist when they run.
func Open(baseDir string) (*Dir, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	return &Dir{baseDir: absPath}, nil
}

// Path returns the absolute path of the directory.
func (d *Dir) Path() string {
	return d.baseDir
}

// ResolvePath resolves a file name within the directory.
// Returns an error if the path would escape the directory or is absolute.
func (d *Dir) ResolvePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path escapes output directory: %s (absolute paths not allowed)", name)
	}

	absPath, err := filepath.Abs(filepath.Join(d.baseDir, filepath.Clean(name)))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}

	if !strings.HasPrefix(absPath, d.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes output directory: %s", name)
	}

	return absPath, nil
}

// Create creates a new file for writing. An existing file with the same name
// is truncated.
func (d *Dir) Create(name string) (*os.File, error) {
	path, err := d.ResolvePath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return nil, d.wrapMissing(err)
	}
	return f, nil
}

// AtomicWrite writes data to name via a temporary file and a rename, so
// readers never observe a partial file.
func (d *Dir) AtomicWrite(name string, data []byte) error {
	targetPath, err := d.ResolvePath(name)
	if err != nil {
		return err
	}

	tempPath := filepath.Join(filepath.Dir(targetPath),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8)))

	if err := os.WriteFile(tempPath, data, 0640); err != nil {
		return fmt.Errorf("writing temporary file: %w", d.wrapMissing(err))
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}

	return nil
}

// Size returns the size of a file in the directory.
func (d *Dir) Size(name string) (int64, error) {
	path, err := d.ResolvePath(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// FreeSpace returns the bytes available on the filesystem holding the directory.
func (d *Dir) FreeSpace(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, d.baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage: %w", err)
	}
	return usage.Free, nil
}

// EnsureFreeSpace fails with ErrInsufficientSpace if fewer than minBytes are available.
func (d *Dir) EnsureFreeSpace(ctx context.Context, minBytes int64) error {
	if minBytes <= 0 {
		return nil
	}
	free, err := d.FreeSpace(ctx)
	if err != nil {
		return err
	}
	if free < uint64(minBytes) {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", ErrInsufficientSpace, free, d.baseDir, minBytes)
	}
	return nil
}

func (d *Dir) wrapMissing(err error) error {
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, statErr := os.Stat(d.baseDir); errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrDirMissing, d.baseDir, err)
	}
	return err
}

// randomHex generates a random hex string of the specified length.
func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
