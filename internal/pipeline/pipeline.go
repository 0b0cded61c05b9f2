// Package pipeline holds what the per-category conversion pipelines share:
// the item processor contract, strict synchronous runs and upload limits.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Item describes the outputs produced for one input file.
type Item struct {
	Source  string
	Outputs []string
	Fields  map[string]string
}

// Processor converts saved input files one at a time.
type Processor interface {
	// ProcessItem converts path and writes its outputs below outDir.
	ProcessItem(ctx context.Context, path, outDir string) (Item, error)
	// WriteManifest writes the index of all processed items below outDir.
	WriteManifest(outDir string, items []Item) error
}

// ItemError reports the input file a conversion failed on.
type ItemError struct {
	File string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Run converts every file and writes the manifest. Unlike the background
// worker it stops at the first file that fails.
func Run(ctx context.Context, p Processor, files []string, outDir string) ([]Item, error) {
	items := make([]Item, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := p.ProcessItem(ctx, path, outDir)
		if err != nil {
			return nil, &ItemError{File: filepath.Base(path), Err: err}
		}
		items = append(items, item)
	}
	if err := p.WriteManifest(outDir, items); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return items, nil
}

// Upload validation errors.
var (
	ErrNoFiles             = errors.New("no files uploaded")
	ErrTooManyFiles        = errors.New("too many files")
	ErrFileTooLarge        = errors.New("file too large")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
)

// UploadLimits bounds one multipart upload.
type UploadLimits struct {
	MaxFiles     int
	MaxFileBytes int64
}

// DefaultUploadLimits returns 1000 files of at most 100 MiB each, so a
// full batch archive can be forwarded in one request.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{MaxFiles: 1000, MaxFileBytes: 100 << 20}
}

// Upload is the name and size of one uploaded file.
type Upload struct {
	Name string
	Size int64
}

// Validate checks count, size and extension of uploads. A nil allowed list
// accepts every extension.
func (l UploadLimits) Validate(uploads []Upload, allowed []string) error {
	if len(uploads) == 0 {
		return ErrNoFiles
	}
	if l.MaxFiles > 0 && len(uploads) > l.MaxFiles {
		return fmt.Errorf("%w: maximum %d, received %d", ErrTooManyFiles, l.MaxFiles, len(uploads))
	}
	for _, u := range uploads {
		if l.MaxFileBytes > 0 && u.Size > l.MaxFileBytes {
			return fmt.Errorf("%w: %q exceeds %.1f MB", ErrFileTooLarge, u.Name, float64(l.MaxFileBytes)/(1<<20))
		}
		if allowed == nil {
			continue
		}
		ext := strings.ToLower(filepath.Ext(u.Name))
		if !slices.Contains(allowed, ext) {
			sorted := slices.Sorted(slices.Values(allowed))
			return fmt.Errorf("%w: %q, allowed: %s", ErrExtensionNotAllowed, ext, strings.Join(sorted, ", "))
		}
	}
	return nil
}
