package signals

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
)

// Extensions accepted by the signal endpoints.
var Extensions = []string{".hea", ".dat", ".qrs", ".edf", ".eeg"}

// ArchiveName is the download name of signal metadata results.
const ArchiveName = "signal_metadata.zip"

// Archive entry names.
const (
	PersonalFile = "personal_info.csv"
	MedicalFile  = "medical_metadata.csv"
	ReadmeFile   = "README.md"
)

// ErrNoHeaders is returned when none of the inputs is a .hea file.
var ErrNoHeaders = errors.New("no .hea header file found")

// personalKeys are header comment fields that identify the patient. They
// only ever appear in the personal table.
var personalKeys = []string{
	"patient_name", "name", "nom", "prenom", "first_name", "last_name",
	"age", "birth_date", "date_of_birth",
}

var technicalColumns = []string{
	"signal_name", "id", "record_name", "n_sig", "fs", "sig_len",
	"base_time", "base_date", "file_name", "fmt", "adc_gain", "baseline",
	"units", "sig_name", "comments",
}

// Entry is a parsed header together with the stem it was uploaded under.
type Entry struct {
	SignalName string
	Record     Record
}

// Collect parses every .hea file among paths, ordered by signal name.
// Data files are only referenced by their headers and are not read.
func Collect(paths []string) ([]Entry, error) {
	var entries []Entry
	for _, p := range paths {
		if !strings.EqualFold(filepath.Ext(p), ".hea") {
			continue
		}
		rec, err := ParseFile(p)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(p)
		entries = append(entries, Entry{
			SignalName: strings.TrimSuffix(base, filepath.Ext(base)),
			Record:     rec,
		})
	}
	if len(entries) == 0 {
		return nil, ErrNoHeaders
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.SignalName, b.SignalName)
	})
	return entries, nil
}

// Split assigns each entry an 8-digit id and separates identifying fields
// from technical metadata. Both tables share the signal_name and id columns.
func Split(entries []Entry) (personal, medical *pipeline.Table) {
	var presentPersonal []string
	for _, k := range personalKeys {
		for _, e := range entries {
			if _, ok := e.Record.Fields[k]; ok {
				presentPersonal = append(presentPersonal, k)
				break
			}
		}
	}

	var extra []string
	for _, e := range entries {
		for k := range e.Record.Fields {
			if !slices.Contains(personalKeys, k) && !slices.Contains(technicalColumns, k) && !slices.Contains(extra, k) {
				extra = append(extra, k)
			}
		}
	}
	slices.Sort(extra)

	personal = pipeline.NewTable(append([]string{"signal_name", "id"}, presentPersonal...)...)
	medical = pipeline.NewTable(append(slices.Clone(technicalColumns), extra...)...)

	for i, e := range entries {
		id := fmt.Sprintf("%08d", i+1)

		p := map[string]string{"signal_name": e.SignalName, "id": id}
		for _, k := range presentPersonal {
			p[k] = e.Record.Fields[k]
		}
		personal.Append(p)

		m := technicalRecord(e)
		m["id"] = id
		for _, k := range extra {
			m[k] = e.Record.Fields[k]
		}
		medical.Append(m)
	}
	return personal, medical
}

func technicalRecord(e Entry) map[string]string {
	r := e.Record
	var files, formats, gains, baselines, units, names []string
	for _, s := range r.Signals {
		files = append(files, s.FileName)
		formats = append(formats, s.Format)
		gains = append(gains, strconv.FormatFloat(s.Gain, 'f', -1, 64))
		baselines = append(baselines, strconv.Itoa(s.Baseline))
		units = append(units, s.Units)
		names = append(names, s.Description)
	}

	return map[string]string{
		"signal_name": e.SignalName,
		"record_name": r.Name,
		"n_sig":       strconv.Itoa(r.NumSignals),
		"fs":          strconv.FormatFloat(r.Frequency, 'f', -1, 64),
		"sig_len":     strconv.Itoa(r.Length),
		"base_time":   r.BaseTime,
		"base_date":   r.BaseDate,
		"file_name":   listValue(files),
		"fmt":         listValue(formats),
		"adc_gain":    listValue(gains),
		"baseline":    listValue(baselines),
		"units":       listValue(units),
		"sig_name":    listValue(names),
		"comments":    listValue(clinicalComments(r)),
	}
}

// clinicalComments drops comments that carry a personal field.
func clinicalComments(r Record) []string {
	var out []string
	for _, c := range r.Comments {
		key, _, ok := strings.Cut(c, ":")
		if ok && slices.Contains(personalKeys, strings.ToLower(strings.Join(strings.Fields(key), "_"))) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func listValue(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	return "[" + strings.Join(v, ", ") + "]"
}

const readme = `# Signal metadata

## Files
- personal_info.csv: patient identification fields
- medical_metadata.csv: technical signal metadata

## Personal info
- signal_name: record file stem
- id: 8-digit identifier linking both files
- name, first name, age and similar fields when present in the header comments

## Medical metadata
- every other header field (sampling frequency, length, formats, gains, units, signal names, clinical comments)
`

// BuildArchive packs the personal and medical tables as CSV with a README.
func BuildArchive(personal, medical *pipeline.Table) ([]byte, error) {
	w := archive.NewWriter()
	files := []struct {
		name  string
		table *pipeline.Table
	}{{PersonalFile, personal}, {MedicalFile, medical}}

	for _, f := range files {
		var buf bytes.Buffer
		if err := f.table.WriteCSV(&buf); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		if err := w.AddBytes(f.name, buf.Bytes()); err != nil {
			return nil, err
		}
	}
	if err := w.AddBytes(ReadmeFile, []byte(readme)); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// Summary is the JSON form of a signal upload.
type Summary struct {
	UploadedFiles   []string            `json:"uploaded_files"`
	TotalSignals    int                 `json:"total_signals"`
	PersonalInfo    []map[string]string `json:"personal_info"`
	MedicalMetadata []map[string]string `json:"medical_metadata"`
}

// Summarize parses paths and returns the split metadata as JSON records.
func Summarize(paths []string) (Summary, error) {
	entries, err := Collect(paths)
	if err != nil {
		return Summary{}, err
	}
	personal, medical := Split(entries)

	uploaded := make([]string, len(paths))
	for i, p := range paths {
		uploaded[i] = filepath.Base(p)
	}
	return Summary{
		UploadedFiles:   uploaded,
		TotalSignals:    len(entries),
		PersonalInfo:    personal.Records(),
		MedicalMetadata: medical.Records(),
	}, nil
}

// Archive parses paths and returns the metadata archive.
func Archive(paths []string) ([]byte, error) {
	entries, err := Collect(paths)
	if err != nil {
		return nil, err
	}
	return BuildArchive(Split(entries))
}
