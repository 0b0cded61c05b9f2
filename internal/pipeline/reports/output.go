package reports

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
)

// ArchiveName is the download name of annotation results.
const ArchiveName = "medical_annotations.zip"

// ErrNoValidFiles is returned when no input produced a record.
var ErrNoValidFiles = errors.New("no valid file to process")

// FileResult is the outcome of reading one input.
type FileResult struct {
	Filename string              `json:"filename"`
	Status   string              `json:"status"`
	Error    string              `json:"error,omitempty"`
	Records  []map[string]string `json:"records,omitempty"`
	Removed  []string            `json:"removed_columns,omitempty"`
}

// Load reads every input into records tagged with their source file.
// Unreadable inputs are reported in the per-file results and skipped.
func Load(paths []string) ([]map[string]string, []FileResult) {
	var (
		records []map[string]string
		results []FileResult
	)
	for _, p := range paths {
		name := filepath.Base(p)
		recs, err := loadFile(p)
		if err != nil {
			results = append(results, FileResult{Filename: name, Status: "error", Error: err.Error()})
			continue
		}
		for _, r := range recs {
			r[FieldSourceFile] = name
		}
		records = append(records, recs...)
		results = append(results, FileResult{Filename: name, Status: "success", Records: recs})
	}
	return records, results
}

func loadFile(path string) ([]map[string]string, error) {
	if IsDocument(path) {
		lines, err := ReadLines(path)
		if err != nil {
			return nil, err
		}
		return []map[string]string{ParseReport(lines)}, nil
	}
	return ReadTable(path)
}

// Analysis is the JSON answer of the analyze endpoint.
type Analysis struct {
	FileCount int                 `json:"file_count"`
	Results   []FileResult        `json:"results"`
	Combined  []map[string]string `json:"combined"`
}

// Analyze extracts fields from free-text reports. Other formats are
// reported as unsupported.
func Analyze(paths []string) Analysis {
	a := Analysis{FileCount: len(paths), Results: []FileResult{}, Combined: []map[string]string{}}
	for _, p := range paths {
		name := filepath.Base(p)
		if !IsDocument(p) {
			a.Results = append(a.Results, FileResult{
				Filename: name,
				Status:   "error",
				Error:    "unsupported format, use .docx or .txt",
			})
			continue
		}
		lines, err := ReadLines(p)
		if err != nil {
			a.Results = append(a.Results, FileResult{Filename: name, Status: "error", Error: err.Error()})
			continue
		}
		fields := ParseReport(lines)
		fields[FieldSourceFile] = name
		a.Results = append(a.Results, FileResult{Filename: name, Status: "success", Records: []map[string]string{maps.Clone(fields)}})
		a.Combined = append(a.Combined, fields)
	}
	return a
}

// Archive entry base names; each is written as .csv, .xlsx and .json.
const (
	PersonalBase = "personal_data"
	MedicalBase  = "medical_data"
	ReadmeFile   = "README.md"
)

const readme = `# Medical report annotations

## Files
- personal_data.csv/xlsx/json: patient identification
- medical_data.csv/xlsx/json: clinical data keyed by annotation id

## Personal data
- last_name, first_name, birth_year, annotation_id

## Medical data
- annotation_id, date, sex, symptoms, history, diagnosis, treatment, source_file and any other input column

## Annotation id
11 digits: report date (YYMMDD), sex (0 male, 1 otherwise), age on three
digits and diagnosis flag (0 normal, 1 otherwise). It links both tables
without exposing identity in the clinical data.
`

// BuildArchive annotates paths and packs both tables in three formats with
// a README.
func BuildArchive(paths []string, now time.Time) ([]byte, error) {
	records, _ := Load(paths)
	if len(records) == 0 {
		return nil, ErrNoValidFiles
	}
	personal, medical := Annotate(records, now)

	w := archive.NewWriter()
	tables := []struct {
		base  string
		sheet string
		table *pipeline.Table
	}{
		{PersonalBase, "Personal", personal},
		{MedicalBase, "Medical", medical},
	}
	for _, t := range tables {
		if t.table.Empty() {
			continue
		}
		if err := addTable(w, t.base, t.sheet, t.table); err != nil {
			return nil, err
		}
	}
	if err := w.AddBytes(ReadmeFile, []byte(readme)); err != nil {
		return nil, err
	}
	return w.Bytes()
}

func addTable(w *archive.Writer, base, sheet string, t *pipeline.Table) error {
	var csvBuf bytes.Buffer
	if err := t.WriteCSV(&csvBuf); err != nil {
		return fmt.Errorf("%s.csv: %w", base, err)
	}
	xlsx, err := t.XLSX(sheet)
	if err != nil {
		return fmt.Errorf("%s.xlsx: %w", base, err)
	}
	js, err := t.JSON()
	if err != nil {
		return fmt.Errorf("%s.json: %w", base, err)
	}

	for _, e := range []struct {
		name string
		data []byte
	}{
		{base + ".csv", csvBuf.Bytes()},
		{base + ".xlsx", xlsx},
		{base + ".json", js},
	} {
		if err := w.AddBytes(e.name, e.data); err != nil {
			return err
		}
	}
	return nil
}
