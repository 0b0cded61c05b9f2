package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ContentType is the media type of every archive this service produces.
const ContentType = "application/zip"

// Writer accumulates entries into an in-memory zip archive.
type Writer struct {
	buf bytes.Buffer
	zw  *zip.Writer
}

// NewWriter creates an empty archive writer.
func NewWriter() *Writer {
	w := &Writer{}
	w.zw = zip.NewWriter(&w.buf)
	return w
}

// AddBytes stores data under name.
func (w *Writer) AddBytes(name string, data []byte) error {
	fw, err := w.zw.Create(name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddFile copies the file at path into the archive under name.
func (w *Writer) AddFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fw, err := w.zw.Create(name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Bytes finalizes the archive and returns its contents. The writer must not
// be used afterwards.
func (w *Writer) Bytes() ([]byte, error) {
	if err := w.zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return w.buf.Bytes(), nil
}

// ZipDir archives every regular file below dir, using slash-separated paths
// relative to dir as entry names.
func ZipDir(dir string) ([]byte, error) {
	w := NewWriter()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return w.AddFile(filepath.ToSlash(rel), p)
	})
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}
	return w.Bytes()
}
