// Package reports extracts patient fields from free-text medical reports and
// tabular exports, assigns annotation ids and splits identifying columns
// from clinical ones.
package reports

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extensions accepted by the text endpoints.
var Extensions = []string{".csv", ".xlsx", ".xls", ".docx", ".txt", ".json"}

var (
	// ErrUnsupportedFormat is returned for extensions no reader handles.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrInvalidDocument is returned for .docx files without a readable body.
	ErrInvalidDocument = errors.New("invalid docx document")
)

// IsDocument reports whether path is a free-text report (.docx or .txt).
func IsDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".txt":
		return true
	}
	return false
}

// ReadLines returns the non-blank, trimmed lines of a .txt or .docx report.
func ReadLines(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return splitLines(string(data)), nil
	case ".docx":
		return docxParagraphs(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// docxParagraphs reads word/document.xml and returns the text of each
// non-empty paragraph.
func docxParagraphs(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	defer zr.Close()

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("%w: missing word/document.xml", ErrInvalidDocument)
	}

	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	defer rc.Close()

	return paragraphs(rc)
}

// paragraphs walks WordprocessingML: text runs (w:t) inside paragraphs (w:p),
// tabs as a tab and breaks as a space.
func paragraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				cur.Reset()
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br":
				cur.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return out, nil
}
