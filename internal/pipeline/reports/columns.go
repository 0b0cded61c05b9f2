package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/xuri/excelize/v2"
)

// RedactedArchiveName is the download name of column removal results.
const RedactedArchiveName = "redacted_tables.zip"

// TableExtensions are the inputs accepted by RemoveColumns.
var TableExtensions = []string{".csv", ".xlsx", ".json"}

// redactedSheet names the single sheet of rewritten workbooks.
const redactedSheet = "Data"

// LoadTable reads a .csv, .xlsx or .json table keeping the original headers
// in file order. JSON columns are ordered by first appearance.
func LoadTable(path string) (*pipeline.Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		cr := csv.NewReader(f)
		cr.FieldsPerRecord = -1
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		return tableFromRows(rows), nil
	case ".xlsx":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return &pipeline.Table{}, nil
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
		}
		return tableFromRows(rows), nil
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return jsonTable(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// tableFromRows pads or cuts every data row to the header width.
func tableFromRows(rows [][]string) *pipeline.Table {
	if len(rows) == 0 {
		return &pipeline.Table{}
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimPrefix(h, "\ufeff")
	}
	t := pipeline.NewTable(header...)
	for _, row := range rows[1:] {
		out := make([]string, len(header))
		copy(out, row)
		t.Rows = append(t.Rows, out)
	}
	return t
}

func jsonTable(data []byte) (*pipeline.Table, error) {
	var objects []json.RawMessage
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("read json: expected an array of records: %w", err)
	}

	t := &pipeline.Table{}
	known := make(map[string]bool)
	records := make([]map[string]string, 0, len(objects))
	for i, raw := range objects {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil, fmt.Errorf("read json: record %d is not an object", i)
		}
		rec := make(map[string]string)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("read json: record %d: %w", i, err)
			}
			key, _ := tok.(string)
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("read json: record %d field %q: %w", i, key, err)
			}
			if !known[key] {
				known[key] = true
				t.Columns = append(t.Columns, key)
			}
			rec[key] = scalar(v)
		}
		records = append(records, rec)
	}
	for _, rec := range records {
		t.Append(rec)
	}
	return t, nil
}

// droppedColumns returns the columns of t matching one of names, exactly or
// after header normalization. The annotation id column is never returned.
func droppedColumns(t *pipeline.Table, names []string) []string {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
		wanted[NormalizeHeader(n)] = true
	}
	var out []string
	for _, c := range t.Columns {
		norm := NormalizeHeader(c)
		if norm == FieldAnnotationID {
			continue
		}
		if wanted[c] || wanted[norm] {
			out = append(out, c)
		}
	}
	return out
}

// RemoveColumns drops the named columns from every table in paths and
// packs each result in its input format as <stem>_redacted<ext>. Unreadable
// inputs are reported in the per-file results and skipped.
func RemoveColumns(paths []string, names []string) ([]byte, []FileResult, error) {
	w := archive.NewWriter()
	var results []FileResult
	written := 0

	for _, p := range paths {
		name := filepath.Base(p)
		data, removed, err := redactFile(p, names)
		if err != nil {
			results = append(results, FileResult{Filename: name, Status: "error", Error: err.Error()})
			continue
		}

		ext := strings.ToLower(filepath.Ext(name))
		out := strings.TrimSuffix(name, filepath.Ext(name)) + "_redacted" + ext
		if err := w.AddBytes(out, data); err != nil {
			return nil, nil, err
		}
		written++

		results = append(results, FileResult{Filename: name, Status: "success", Removed: removed})
	}

	if written == 0 {
		return nil, results, ErrNoValidFiles
	}
	data, err := w.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return data, results, nil
}

func redactFile(path string, names []string) ([]byte, []string, error) {
	t, err := LoadTable(path)
	if err != nil {
		return nil, nil, err
	}
	if len(t.Columns) == 0 {
		return nil, nil, errors.New("table has no header")
	}

	removed := droppedColumns(t, names)
	t = t.WithoutColumns(removed...)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		data, err := t.XLSX(redactedSheet)
		return data, removed, err
	case ".json":
		data, err := t.JSON()
		return data, removed, err
	default:
		var buf bytes.Buffer
		if err := t.WriteCSV(&buf); err != nil {
			return nil, nil, err
		}
		return buf.Bytes(), removed, nil
	}
}
