package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type member struct {
	name string
	data []byte
}

func buildZip(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write(m.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestExtract_ValidArchive(t *testing.T) {
	data := buildZip(t,
		member{"a.dcm", []byte("dicom")},
		member{"nested/rec.hea", []byte("rec 1 360 100")},
		member{"nested/", nil},
	)
	dest := t.TempDir()

	files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), dest)
	require.NoError(t, err)
	require.Len(t, files, 2)

	root, err := filepath.EvalSymlinks(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a.dcm"), files[0])
	assert.Equal(t, filepath.Join(root, "nested", "rec.hea"), files[1])

	content, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Equal(t, "rec 1 360 100", string(content))
}

func TestExtract_SkipsTraversal(t *testing.T) {
	data := buildZip(t,
		member{"../../etc/passwd", []byte("root:x:0:0")},
		member{"ok/../../escape.txt", []byte("nope")},
		member{"/abs.txt", []byte("nope")},
		member{"notes.txt", []byte("fine")},
	)
	parent := t.TempDir()
	dest := filepath.Join(parent, "extracted")

	files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), dest)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", filepath.Base(files[0]))

	// nothing escaped into the parent directory
	assert.Equal(t, files, listFiles(t, parent))
}

func TestExtract_Rejections(t *testing.T) {
	big := bytes.Repeat([]byte{0}, 1<<20)

	tests := []struct {
		name    string
		data    []byte
		limits  Limits
		wantErr error
	}{
		{
			name:    "not a zip",
			data:    []byte("definitely not an archive"),
			limits:  DefaultLimits(),
			wantErr: ErrInvalidArchive,
		},
		{
			name:    "too large",
			data:    buildZip(t, member{"a.txt", bytes.Repeat([]byte("abc"), 1000)}),
			limits:  Limits{MaxEntries: 10, MaxBytes: 100, MaxRatio: 1000},
			wantErr: ErrTooLarge,
		},
		{
			name:    "compression ratio",
			data:    buildZip(t, member{"zeros.bin", big}),
			limits:  Limits{MaxEntries: 10, MaxBytes: 10 << 20, MaxRatio: 100},
			wantErr: ErrSuspiciousRatio,
		},
		{
			name: "too many entries",
			data: buildZip(t,
				member{"1.txt", []byte("1")},
				member{"2.txt", []byte("2")},
				member{"3.txt", []byte("3")},
			),
			limits:  Limits{MaxEntries: 2, MaxBytes: 1 << 20, MaxRatio: 100},
			wantErr: ErrTooManyEntries,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			files, err := NewGuard(tt.limits, nil).Extract(bytes.NewReader(tt.data), int64(len(tt.data)), dest)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			assert.Nil(t, files)
			assert.Empty(t, listFiles(t, dest), "rejected archive must leave no files behind")
		})
	}
}

// lyingZip holds ok.txt followed by a member whose header declares
// declared bytes but whose deflate stream expands to actual bytes.
func lyingZip(t *testing.T, declared, actual int) []byte {
	t.Helper()

	var comp bytes.Buffer
	fw, err := flate.NewWriter(&comp, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("A"), actual))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("ok.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("fine"))
	require.NoError(t, err)

	raw, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "liar.bin",
		Method:             zip.Deflate,
		CompressedSize64:   uint64(comp.Len()),
		UncompressedSize64: uint64(declared),
	})
	require.NoError(t, err)
	_, err = raw.Write(comp.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_MemberExpandsBeyondDeclaredSize(t *testing.T) {
	data := lyingZip(t, 10, 100_000)
	dest := t.TempDir()

	files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidArchive), "got %v", err)
	assert.Nil(t, files)
	assert.Empty(t, listFiles(t, dest), "members written before the failure are removed")
}

func TestExtract_SkipsUnwritableMembers(t *testing.T) {
	tests := []struct {
		name    string
		members []member
		want    []string
	}{
		{
			name: "file then directory of the same name",
			members: []member{
				{"a", []byte("plain file")},
				{"a/b.txt", []byte("cannot live under a file")},
				{"ok.txt", []byte("fine")},
			},
			want: []string{"a", "ok.txt"},
		},
		{
			name: "directory then file of the same name",
			members: []member{
				{"a/b.txt", []byte("nested")},
				{"a", []byte("shadows the directory")},
				{"ok.txt", []byte("fine")},
			},
			want: []string{"a/b.txt", "ok.txt"},
		},
		{
			name: "duplicate names",
			members: []member{
				{"rec.hea", []byte("first")},
				{"rec.dat", []byte("data")},
				{"rec.hea", []byte("second")},
			},
			want: []string{"rec.hea", "rec.dat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildZip(t, tt.members...)
			dest := t.TempDir()
			root, err := filepath.EvalSymlinks(dest)
			require.NoError(t, err)

			files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), dest)
			require.NoError(t, err)

			var got []string
			for _, f := range files {
				rel, err := filepath.Rel(root, f)
				require.NoError(t, err)
				got = append(got, filepath.ToSlash(rel))
			}
			assert.Equal(t, tt.want, got)
			assert.ElementsMatch(t, files, listFiles(t, dest))
		})
	}
}

func TestExtract_DuplicateKeepsFirstContent(t *testing.T) {
	data := buildZip(t, member{"rec.hea", []byte("first")}, member{"rec.hea", []byte("second")})

	files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), t.TempDir())
	require.NoError(t, err)
	require.Len(t, files, 1)

	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
}

func TestExtractFile_RemovesArchive(t *testing.T) {
	scratch := t.TempDir()

	t.Run("after success", func(t *testing.T) {
		path := filepath.Join(scratch, "upload.zip")
		require.NoError(t, os.WriteFile(path, buildZip(t, member{"a.txt", []byte("a")}), 0o644))

		files, err := NewGuard(DefaultLimits(), nil).ExtractFile(path, filepath.Join(scratch, "ok"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
		assert.NoFileExists(t, path)
	})

	t.Run("after rejection", func(t *testing.T) {
		path := filepath.Join(scratch, "bad.zip")
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

		_, err := NewGuard(DefaultLimits(), nil).ExtractFile(path, filepath.Join(scratch, "bad"))
		assert.ErrorIs(t, err, ErrInvalidArchive)
		assert.NoFileExists(t, path)
	})
}

func TestExtract_EmptyArchive(t *testing.T) {
	data := buildZip(t)
	files, err := NewGuard(DefaultLimits(), nil).Extract(bytes.NewReader(data), int64(len(data)), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestContainedPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		ok   bool
	}{
		{"a.txt", true},
		{"dir/b.txt", true},
		{"dir/../c.txt", true},
		{"../x", false},
		{"..", false},
		{".", false},
		{"/etc/passwd", false},
		{`..\..\windows.ini`, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := containedPath(root, tt.name)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestZipDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "csv_files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csv_files", "map.csv"), []byte("a,b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.json"), []byte("{}"), 0o644))

	data, err := ZipDir(dir)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"csv_files/map.csv", "top.json"}, names)
}
