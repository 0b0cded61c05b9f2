package reports

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var now = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

const compactReport = `Patient: Jean Pierre Dupont, 45 ans
Date: 12 mars 2024
Motif de consultation: Douleurs thoraciques depuis 3 jours
Antécédents: Hypertension artérielle
Diagnostic: Angine de poitrine stable
Traitement: Aspirine 100mg`

const labelledReport = `Nom de famille: Martin
Prénom: Claire
Âge: 32 ans
Sexe: F
Date: 2024-01-05
Motif de consultation: céphalées récurrentes
Diagnostic: Examen normal
Diagnostic: ignored duplicate`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func writeDocx(t *testing.T, dir, name string, paragraphs ...string) string {
	t.Helper()
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		// split each paragraph over two runs
		r := []rune(p)
		half := len(r) / 2
		body.WriteString(`<w:p><w:r><w:t>` + string(r[:half]) + `</w:t></w:r><w:r><w:t xml:space="preserve">` + string(r[half:]) + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`<w:p></w:p></w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, body.String())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func TestReadLines(t *testing.T) {
	dir := t.TempDir()

	lines, err := ReadLines(writeFile(t, dir, "r.txt", "  first \n\n second\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)

	lines, err = ReadLines(writeDocx(t, dir, "r.docx", "Nom: Martin", "Prénom: Claire"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Nom: Martin", "Prénom: Claire"}, lines)

	_, err = ReadLines(writeFile(t, dir, "broken.docx", "not a zip"))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = ReadLines(writeFile(t, dir, "r.pdf", "x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name   string
		report string
		want   map[string]string
	}{
		{
			name:   "compact",
			report: compactReport,
			want: map[string]string{
				FieldLastName:  "Dupont",
				FieldFirstName: "Jean Pierre",
				FieldAge:       "45",
				FieldDate:      "12 mars 2024",
				FieldSymptoms:  "thoraciques",
				FieldHistory:   "hypertension artérielle",
				FieldDiagnosis: "angine poitrine stable",
				FieldTreatment: "aspirine",
			},
		},
		{
			name:   "compact single name",
			report: "Patient: Jean, 5 ans",
			want:   map[string]string{FieldFirstName: "Jean", FieldAge: "5"},
		},
		{
			name:   "labelled",
			report: labelledReport,
			want: map[string]string{
				FieldLastName:  "Martin",
				FieldFirstName: "Claire",
				FieldAge:       "32",
				FieldSex:       "F",
				FieldDate:      "2024-01-05",
				FieldSymptoms:  "céphalées récurrentes",
				FieldDiagnosis: "normal",
			},
		},
		{
			name:   "no labels",
			report: "free text without structure",
			want:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReport(splitLines(tt.report))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "fièvre toux sèche", CleanText("Fièvre, toux sèche depuis 3 jours (avec douleur)"))
	assert.Equal(t, "", CleanText("le 12/03"))
}

func TestAnnotationID(t *testing.T) {
	tests := []struct {
		name string
		rec  map[string]string
		want string
	}{
		{"french date male", map[string]string{FieldDate: "12 mars 2024", FieldSex: "Homme", FieldAge: "45", FieldDiagnosis: "angine"}, "24031204451"},
		{"iso date female normal", map[string]string{FieldDate: "2024-01-05", FieldSex: "F", FieldAge: "32", FieldDiagnosis: "examen normal"}, "24010513200"},
		{"slash date", map[string]string{FieldDate: "05/11/2023", FieldAge: "7"}, "23110510071"},
		{"missing date uses now", map[string]string{FieldAge: "60"}, "25061510601"},
		{"feminine word is not male", map[string]string{FieldDate: "2024-01-05", FieldSex: "femme", FieldAge: "1"}, "24010510011"},
		{"sex token m", map[string]string{FieldDate: "2024-01-05", FieldSex: "M", FieldAge: "1"}, "24010500011"},
		{"bad age", map[string]string{FieldDate: "2024-01-05", FieldAge: "unknown"}, "24010510001"},
		{"age too wide", map[string]string{FieldDate: "2024-01-05", FieldAge: "1200"}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnnotationID(tt.rec, now))
		})
	}
}

func TestAnnotate(t *testing.T) {
	records := []map[string]string{
		{FieldLastName: "Dupont", FieldFirstName: "Jean", FieldAge: "45", FieldDate: "2024-03-12", FieldDiagnosis: "angine", "ward": "B"},
		{FieldLastName: "Martin", FieldAge: "abc"},
	}

	personal, medical := Annotate(records, now)

	assert.Equal(t, PersonalColumns, personal.Columns)
	assert.Equal(t, []map[string]string{
		{FieldLastName: "Dupont", FieldFirstName: "Jean", FieldBirthYear: "1980", FieldAnnotationID: "24031210451"},
		{FieldLastName: "Martin", FieldFirstName: "", FieldBirthYear: "2025", FieldAnnotationID: "25061510001"},
	}, personal.Records())

	for _, c := range []string{FieldLastName, FieldFirstName, FieldBirthYear, FieldAge} {
		assert.NotContains(t, medical.Columns, c)
	}
	assert.Equal(t, FieldAnnotationID, medical.Columns[0])
	assert.Equal(t, "ward", medical.Columns[len(medical.Columns)-1])
	assert.Equal(t, "24031210451", medical.Records()[0][FieldAnnotationID])
}

func TestReadTable(t *testing.T) {
	dir := t.TempDir()

	csvPath := writeFile(t, dir, "p.csv", "\ufeffNom,Prénom,Âge,Sexe,Service\nDupont,Jean,45,H,Cardio\n,,,,\nMartin,Claire\n")
	recs, err := ReadTable(csvPath)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{
		{FieldLastName: "Dupont", FieldFirstName: "Jean", FieldAge: "45", FieldSex: "H", "service": "Cardio"},
		{FieldLastName: "Martin", FieldFirstName: "Claire", FieldAge: "", FieldSex: "", "service": ""},
	}, recs)

	jsonPath := writeFile(t, dir, "p.json", `[{"Nom":"Dupont","Age":45.0,"Actif":true,"Notes":null}]`)
	recs, err = ReadTable(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{FieldLastName: "Dupont", FieldAge: "45", "actif": "true", "notes": ""}}, recs)

	_, err = ReadTable(writeFile(t, dir, "obj.json", `{"Nom":"x"}`))
	assert.Error(t, err)

	_, err = ReadTable(writeFile(t, dir, "old.xls", "x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestReadTable_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Nom", "Diagnostic"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"Dupont", "Asthme"}))

	path := filepath.Join(t.TempDir(), "p.xlsx")
	require.NoError(t, f.SaveAs(path))

	recs, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{FieldLastName: "Dupont", FieldDiagnosis: "Asthme"}}, recs)
}

func TestAnalyze(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFile(t, dir, "a.txt", compactReport),
		writeFile(t, dir, "b.csv", "Nom\nX\n"),
	}

	a := Analyze(paths)
	assert.Equal(t, 2, a.FileCount)
	require.Len(t, a.Results, 2)
	assert.Equal(t, "success", a.Results[0].Status)
	assert.Equal(t, "error", a.Results[1].Status)
	require.Len(t, a.Combined, 1)
	assert.Equal(t, "a.txt", a.Combined[0][FieldSourceFile])
	assert.Equal(t, "Dupont", a.Combined[0][FieldLastName])
}

func TestBuildArchive(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFile(t, dir, "a.txt", compactReport),
		writeDocx(t, dir, "b.docx", strings.Split(labelledReport, "\n")...),
		writeFile(t, dir, "c.csv", "Nom,Age\nDurand,70\n"),
		writeFile(t, dir, "broken.json", "{"),
	}

	data, err := BuildArchive(paths, now)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	entries := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = b
	}

	for _, name := range []string{
		"personal_data.csv", "personal_data.xlsx", "personal_data.json",
		"medical_data.csv", "medical_data.xlsx", "medical_data.json", ReadmeFile,
	} {
		assert.Contains(t, entries, name)
	}

	rows, err := csv.NewReader(bytes.NewReader(entries["personal_data.csv"])).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, PersonalColumns, rows[0])

	medical := string(entries["medical_data.csv"])
	assert.NotContains(t, medical, "Dupont")
	assert.NotContains(t, medical, "Claire")
	assert.Contains(t, medical, "a.txt")
}

func TestBuildArchive_NoValidFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := BuildArchive([]string{writeFile(t, dir, "x.json", "nope")}, now)
	assert.ErrorIs(t, err, ErrNoValidFiles)
}
