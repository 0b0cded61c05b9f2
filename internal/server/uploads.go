package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/raphaelgruber/medpipe/internal/pipeline"
)

// filesField is the multipart field carrying pipeline uploads.
const filesField = "files"

// multipartMemory is the part of a form kept in memory; the rest spills to
// temporary files.
const multipartMemory = 32 << 20

var errBadMultipart = errors.New("invalid multipart upload")

// uploadSet is a validated upload saved to its own scratch directory.
type uploadSet struct {
	Dir   string
	Paths []string
}

// receiveUploads parses the multipart form, validates the "files" parts
// against the limits and allowed extensions and saves them below a new
// scratch directory. The caller owns the returned directory.
func (s *Server) receiveUploads(w http.ResponseWriter, r *http.Request, allowed []string) (*uploadSet, error) {
	limits := s.uploadLimits
	if limits.MaxFiles > 0 && limits.MaxFileBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxFiles)*limits.MaxFileBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errBadMultipart, err)
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[filesField]
	uploads := make([]pipeline.Upload, len(headers))
	for i, h := range headers {
		uploads[i] = pipeline.Upload{Name: h.Filename, Size: h.Size}
	}
	if err := limits.Validate(uploads, allowed); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(s.scratchDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	set := &uploadSet{Dir: dir}
	seen := make(map[string]bool, len(headers))
	for i, h := range headers {
		name := filepath.Base(h.Filename)
		if seen[name] {
			name = strconv.Itoa(i) + "_" + name
		}
		seen[name] = true

		path := filepath.Join(dir, name)
		if err := saveUpload(h, path); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		set.Paths = append(set.Paths, path)
	}
	return set, nil
}

func saveUpload(h *multipart.FileHeader, path string) error {
	src, err := h.Open()
	if err != nil {
		return fmt.Errorf("open upload %q: %w", h.Filename, err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save upload %q: %w", h.Filename, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("save upload %q: %w", h.Filename, err)
	}
	return dst.Close()
}
