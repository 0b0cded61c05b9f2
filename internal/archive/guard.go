// Package archive extracts uploaded zip archives into scratch space and builds
// result archives.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Rejection reasons returned by Extract.
var (
	ErrInvalidArchive  = errors.New("invalid archive")
	ErrTooLarge        = errors.New("archive too large")
	ErrSuspiciousRatio = errors.New("suspicious compression ratio")
	ErrTooManyEntries  = errors.New("too many entries")
)

// Limits bounds the work a single archive may cause.
type Limits struct {
	MaxEntries int
	MaxBytes   int64 // aggregate uncompressed size
	MaxRatio   float64
}

// DefaultLimits matches the limits the batch endpoint advertises.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries: 1000,
		MaxBytes:   500 * 1024 * 1024,
		MaxRatio:   100,
	}
}

// Guard validates and extracts archives under Limits.
type Guard struct {
	limits Limits
	logger *slog.Logger
}

// NewGuard creates a guard. A nil logger uses slog.Default().
func NewGuard(limits Limits, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{limits: limits, logger: logger}
}

// Limits returns the configured limits.
func (g *Guard) Limits() Limits {
	return g.limits
}

// ExtractFile extracts the archive at path into dest and removes the archive
// file afterwards, whatever the outcome.
func (g *Guard) ExtractFile(path, dest string) ([]string, error) {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("failed to remove uploaded archive", "path", path, "error", err)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	return g.Extract(f, info.Size(), dest)
}

// Extract validates the archive held by r and writes its regular members
// under dest. Members that would land outside dest, repeat an earlier name
// or cannot be written are skipped. On any error no extracted file is left
// behind.
func (g *Guard) Extract(r io.ReaderAt, size int64, dest string) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	if err := g.check(zr, size); err != nil {
		return nil, err
	}

	root, err := resolveRoot(dest)
	if err != nil {
		return nil, err
	}

	var extracted []string
	var written int64
	seen := make(map[string]bool)

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			g.logger.Warn("skipping symlink entry", "name", f.Name)
			continue
		}

		target, ok := containedPath(root, f.Name)
		if !ok {
			g.logger.Warn("skipping entry outside destination", "name", f.Name)
			continue
		}

		if seen[target] {
			g.logger.Warn("skipping duplicate entry", "name", f.Name)
			continue
		}

		n, err := g.writeMember(f, target, g.limits.MaxBytes-written)
		written += n
		switch {
		case errors.Is(err, ErrTooLarge), errors.Is(err, ErrInvalidArchive):
			removeAll(append(extracted, target))
			return nil, err
		case err != nil:
			// a file shadowing a directory, or the reverse
			g.logger.Warn("skipping unwritable entry", "name", f.Name, "error", err)
			if info, statErr := os.Lstat(target); statErr == nil && info.Mode().IsRegular() {
				_ = os.Remove(target)
			}
			continue
		}
		seen[target] = true
		extracted = append(extracted, target)
	}

	g.logger.Debug("archive extracted", "files", len(extracted), "bytes", written)
	return extracted, nil
}

// check applies the size, ratio and entry limits using the central directory.
func (g *Guard) check(zr *zip.Reader, size int64) error {
	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}

	if g.limits.MaxBytes > 0 && total > uint64(g.limits.MaxBytes) {
		return fmt.Errorf("%w: %d bytes uncompressed (max %d)", ErrTooLarge, total, g.limits.MaxBytes)
	}

	if g.limits.MaxRatio > 0 && size > 0 {
		ratio := float64(total) / float64(size)
		if ratio > g.limits.MaxRatio {
			return fmt.Errorf("%w: %.1f (max %.0f)", ErrSuspiciousRatio, ratio, g.limits.MaxRatio)
		}
	}

	if g.limits.MaxEntries > 0 && len(zr.File) > g.limits.MaxEntries {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyEntries, len(zr.File), g.limits.MaxEntries)
	}

	return nil
}

// writeMember copies one member to target, never writing more than the
// member's declared size or the remaining byte budget.
func (g *Guard) writeMember(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}

	limit := int64(f.UncompressedSize64)
	if g.limits.MaxBytes > 0 && budget < limit {
		limit = budget
	}

	n, copyErr := io.Copy(out, io.LimitReader(rc, limit+1))
	closeErr := out.Close()

	if n > limit {
		return n, fmt.Errorf("%w: %s expands beyond its declared size", ErrTooLarge, f.Name)
	}
	if copyErr != nil {
		return n, fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, f.Name, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("write %s: %w", target, closeErr)
	}
	return n, nil
}

// resolveRoot returns the absolute, symlink-free form of dest.
func resolveRoot(dest string) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	return resolved, nil
}

// containedPath joins name onto root and reports whether the result stays
// strictly inside root.
func containedPath(root, name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", false
	}

	target, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return target, true
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
