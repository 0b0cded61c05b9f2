package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	tests := []struct {
		path string
		want Category
	}{
		{"/x/a.dcm", Image},
		{"/x/A.DICOM", Image},
		{"/x/rec.hea", Signal},
		{"/x/rec.DAT", Signal},
		{"/x/rec.qrs", Signal},
		{"/x/notes.txt", Text},
		{"/x/report.Docx", Text},
		{"/x/sheet.xlsx", Text},
		{"/x/mystery.xyz", Unknown},
		{"/x/noext", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.path))
		})
	}
}

func TestClassify_GroupsSignalsByStem(t *testing.T) {
	paths := []string{
		"/s/rec001.dat",
		"/s/a.dcm",
		"/s/rec002.hea",
		"/s/rec001.hea",
		"/s/notes.txt",
		"/s/rec001.qrs",
		"/s/mystery.xyz",
	}

	b := Classify(paths)

	want := Bundle{
		Images: []string{"/s/a.dcm"},
		Signals: []SignalGroup{
			{"/s/rec001.dat", "/s/rec001.hea", "/s/rec001.qrs"},
			{"/s/rec002.hea"},
		},
		Text:    []string{"/s/notes.txt"},
		Unknown: []string{"/s/mystery.xyz"},
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "rec001", b.Signals[0].Stem())
	assert.Equal(t, 3, b.Processable())
}

func TestClassify_SameStemDifferentDirsMerge(t *testing.T) {
	b := Classify([]string{"/a/rec.hea", "/b/rec.dat"})
	assert.Len(t, b.Signals, 1)
	assert.Len(t, b.Signals[0], 2)
}

func TestClassify_Idempotent(t *testing.T) {
	paths := []string{"/s/r1.hea", "/s/r2.hea", "/s/r1.dat", "/s/x.json", "/s/y.bin"}
	first := Classify(paths)
	second := Classify(paths)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Classify() not deterministic (-first +second):\n%s", diff)
	}
}

func TestClassify_CategorySetOrderIndependent(t *testing.T) {
	a := Classify([]string{"/s/a.dcm", "/s/r.hea", "/s/n.txt"})
	b := Classify([]string{"/s/n.txt", "/s/r.hea", "/s/a.dcm"})

	for _, c := range Dispatchable {
		assert.Equal(t, a.Units(c), b.Units(c), c.String())
	}
}

func TestBundle_FilesFlattensSignals(t *testing.T) {
	b := Classify([]string{"/s/r1.hea", "/s/r2.hea", "/s/r1.dat"})
	assert.Equal(t, []string{"/s/r1.hea", "/s/r1.dat", "/s/r2.hea"}, b.Files(Signal))
}

func TestBundle_Summary(t *testing.T) {
	b := Classify([]string{"/s/a.dcm", "/s/rec.hea", "/s/rec.dat", "/s/notes.txt", "/s/deep/mystery.xyz"})
	s := b.Summary()

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Images)
	assert.Equal(t, 1, s.SignalGroups)
	assert.Equal(t, 1, s.Text)
	assert.Equal(t, []string{"mystery.xyz"}, s.Unknown)
}

func TestClassify_Empty(t *testing.T) {
	b := Classify(nil)
	assert.Zero(t, b.Processable())
	assert.Nil(t, b.Signals)
}
