package signals

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mitHeader = `100 2 360 650000 12:00:00 01/01/2024
100.dat 212 200(1024)/mV 11 1024 995 -22131 0 MLII
100.dat 212 200/mV 11 1024 1011 20052 0 V5
# Age: 69
# Nom: Dupont
# Prenom: Jean
# Diagnosis: sinus rhythm
# Medications: Aldomet, Inderal
`

func TestParse(t *testing.T) {
	rec, err := Parse(strings.NewReader(mitHeader))
	require.NoError(t, err)

	assert.Equal(t, "100", rec.Name)
	assert.Equal(t, 2, rec.NumSignals)
	assert.Equal(t, 360.0, rec.Frequency)
	assert.Equal(t, 650000, rec.Length)
	assert.Equal(t, "12:00:00", rec.BaseTime)
	assert.Equal(t, "01/01/2024", rec.BaseDate)

	require.Len(t, rec.Signals, 2)
	assert.Equal(t, Signal{
		FileName: "100.dat", Format: "212", Gain: 200, Baseline: 1024, Units: "mV",
		Resolution: 11, ADCZero: 1024, InitValue: 995, Checksum: -22131, BlockSize: 0,
		Description: "MLII",
	}, rec.Signals[0])
	assert.Equal(t, 0, rec.Signals[1].Baseline)
	assert.Equal(t, "V5", rec.Signals[1].Description)

	assert.Len(t, rec.Comments, 5)
	assert.Equal(t, "69", rec.Fields["age"])
	assert.Equal(t, "sinus rhythm", rec.Fields["diagnosis"])
}

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name   string
		header string
		check  func(t *testing.T, rec Record)
	}{
		{
			name:   "defaults",
			header: "rec 1\nrec.dat 16\n",
			check: func(t *testing.T, rec Record) {
				assert.Equal(t, 250.0, rec.Frequency)
				assert.Equal(t, 200.0, rec.Signals[0].Gain)
				assert.Equal(t, "mV", rec.Signals[0].Units)
			},
		},
		{
			name:   "frequency with counter",
			header: "rec 1 500/1000(0) 10\nrec.dat 16x2+512 100/uV\n",
			check: func(t *testing.T, rec Record) {
				assert.Equal(t, 500.0, rec.Frequency)
				assert.Equal(t, "16", rec.Signals[0].Format)
				assert.Equal(t, "uV", rec.Signals[0].Units)
			},
		},
		{
			name:   "multi segment",
			header: "multi/2 1 360 200\nseg1 100\nseg2 100\n",
			check: func(t *testing.T, rec Record) {
				assert.Equal(t, "multi", rec.Name)
				assert.Equal(t, 2, rec.NumSegments)
				assert.Empty(t, rec.Signals)
			},
		},
		{
			name:   "leading comments",
			header: "# Name: X\nrec 0 100\n",
			check: func(t *testing.T, rec Record) {
				assert.Equal(t, "X", rec.Fields["name"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(strings.NewReader(tt.header))
			require.NoError(t, err)
			tt.check(t, rec)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for name, header := range map[string]string{
		"empty":           "",
		"only comments":   "# a: b\n",
		"no signal count": "rec\n",
		"bad count":       "rec two\n",
		"missing signals": "rec 2 360\nrec.dat 212\n",
		"bad format":      "rec 1\nrec.dat abc\n",
		"bad gain":        "rec 1\nrec.dat 16 x/mV\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(header))
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func writeFiles(t *testing.T, files map[string]string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestSplit(t *testing.T) {
	paths := writeFiles(t, map[string]string{
		"200.hea": "200 1 250\n200.dat 16\n# Site: ward 3\n",
		"100.hea": mitHeader,
		"100.dat": "\x00\x01",
	})

	entries, err := Collect(paths)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "100", entries[0].SignalName)

	personal, medical := Split(entries)

	assert.Equal(t, []string{"signal_name", "id", "nom", "prenom", "age"}, personal.Columns)
	assert.Equal(t, []map[string]string{
		{"signal_name": "100", "id": "00000001", "nom": "Dupont", "prenom": "Jean", "age": "69"},
		{"signal_name": "200", "id": "00000002", "nom": "", "prenom": "", "age": ""},
	}, personal.Records())

	assert.NotContains(t, medical.Columns, "age")
	assert.NotContains(t, medical.Columns, "nom")
	assert.Contains(t, medical.Columns, "diagnosis")
	assert.Contains(t, medical.Columns, "site")

	rec := medical.Records()[0]
	assert.Equal(t, "00000001", rec["id"])
	assert.Equal(t, "360", rec["fs"])
	assert.Equal(t, "[MLII, V5]", rec["sig_name"])
	assert.NotContains(t, rec["comments"], "Dupont")
	assert.NotContains(t, rec["comments"], "69")
	assert.Contains(t, rec["comments"], "Diagnosis: sinus rhythm")
}

func TestCollect_NoHeaders(t *testing.T) {
	_, err := Collect(writeFiles(t, map[string]string{"100.dat": "x"}))
	assert.ErrorIs(t, err, ErrNoHeaders)
}

func TestArchive(t *testing.T) {
	data, err := Archive(writeFiles(t, map[string]string{"100.hea": mitHeader}))
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(b)
	}
	assert.Contains(t, contents, ReadmeFile)

	rows, err := csv.NewReader(strings.NewReader(contents[PersonalFile])).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "00000001", "Dupont", "Jean", "69"}, rows[1])

	rows, err = csv.NewReader(strings.NewReader(contents[MedicalFile])).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSummarize(t *testing.T) {
	paths := writeFiles(t, map[string]string{"100.hea": mitHeader})
	s, err := Summarize(paths)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalSignals)
	assert.Equal(t, []string{"100.hea"}, s.UploadedFiles)
	assert.Equal(t, "Jean", s.PersonalInfo[0]["prenom"])
}
