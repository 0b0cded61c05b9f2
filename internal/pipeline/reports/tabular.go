package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerAliases maps folded column headers to field names.
var headerAliases = map[string]string{
	"nom":                FieldLastName,
	"nom_de_famille":     FieldLastName,
	"last_name":          FieldLastName,
	"lastname":           FieldLastName,
	"surname":            FieldLastName,
	"prenom":             FieldFirstName,
	"first_name":         FieldFirstName,
	"firstname":          FieldFirstName,
	"age":                FieldAge,
	"sexe":               FieldSex,
	"sex":                FieldSex,
	"genre":              FieldSex,
	"date":               FieldDate,
	"symptomes":          FieldSymptoms,
	"symptoms":           FieldSymptoms,
	"motif":              FieldSymptoms,
	"antecedents":        FieldHistory,
	"history":            FieldHistory,
	"diagnostic":         FieldDiagnosis,
	"diagnosis":          FieldDiagnosis,
	"traitement":         FieldTreatment,
	"treatment":          FieldTreatment,
	"fichier_source":     FieldSourceFile,
	"source_file":        FieldSourceFile,
	"annee_de_naissance": FieldBirthYear,
	"birth_year":         FieldBirthYear,
	"id_d'annotation":    FieldAnnotationID,
	"annotation_id":      FieldAnnotationID,
}

// NormalizeHeader maps a column header to its field name. Unknown headers
// are folded to snake case.
func NormalizeHeader(h string) string {
	key := strings.Join(strings.Fields(fold(strings.TrimPrefix(h, "\ufeff"))), "_")
	if f, ok := headerAliases[key]; ok {
		return f
	}
	return key
}

// ReadTable reads a .csv, .xlsx or .json export into records keyed by
// normalized column names.
func ReadTable(path string) ([]map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readCSV(f)
	case ".xlsx":
		return readXLSX(path)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return readJSON(data)
	case ".xls":
		return nil, fmt.Errorf("%w: legacy .xls workbooks, save as .xlsx", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func readCSV(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return fromRows(rows), nil
}

func readXLSX(path string) ([]map[string]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return fromRows(rows), nil
}

// fromRows turns a header row and data rows into records. Short rows leave
// the remaining columns empty.
func fromRows(rows [][]string) []map[string]string {
	if len(rows) == 0 {
		return nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = NormalizeHeader(h)
	}

	var out []map[string]string
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		blank := true
		for i, col := range header {
			if col == "" {
				continue
			}
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			if v != "" {
				blank = false
			}
			rec[col] = v
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}

// readJSON accepts an array of objects.
func readJSON(data []byte) ([]map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("read json: expected an array of records: %w", err)
	}

	out := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		rec := make(map[string]string, len(obj))
		for k, v := range obj {
			rec[NormalizeHeader(k)] = scalar(v)
		}
		out = append(out, rec)
	}
	return out, nil
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
