// Package classify assigns extracted files to processing categories and
// groups multi-file signal records.
package classify

import (
	"path/filepath"
	"strings"
)

// Category is the processing role of a file.
type Category int

const (
	Unknown Category = iota
	Image
	Signal
	Text
)

// Dispatchable lists the categories that have a conversion pipeline, in
// report order.
var Dispatchable = []Category{Image, Signal, Text}

// String returns the name used for result archives and reports.
func (c Category) String() string {
	switch c {
	case Image:
		return "images"
	case Signal:
		return "signals"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// extensions maps lower-case extensions to categories.
var extensions = map[string]Category{
	".dcm":   Image,
	".dicom": Image,

	".hea": Signal,
	".dat": Signal,
	".qrs": Signal,
	".edf": Signal,
	".eeg": Signal,

	".csv":  Text,
	".xlsx": Text,
	".xls":  Text,
	".docx": Text,
	".txt":  Text,
	".json": Text,
}

// Of returns the category of a single path.
func Of(path string) Category {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// Extensions returns the extensions recognized for c.
func Extensions(c Category) []string {
	var exts []string
	for ext, cat := range extensions {
		if cat == c {
			exts = append(exts, ext)
		}
	}
	return exts
}

// SignalGroup holds the files of one physiological record (header, data,
// annotations) sharing a filename stem.
type SignalGroup []string

// Stem returns the shared filename stem of the group.
func (g SignalGroup) Stem() string {
	if len(g) == 0 {
		return ""
	}
	return stem(g[0])
}

// Bundle is the classification of one extracted file set.
type Bundle struct {
	Images  []string
	Signals []SignalGroup
	Text    []string
	Unknown []string
}

// Summary counts a bundle for reporting.
type Summary struct {
	Total        int
	Images       int
	SignalGroups int
	Text         int
	Unknown      []string
}

// Classify sorts paths into categories. Signal files are grouped by stem in
// first-seen order; files within a group keep their input order.
func Classify(paths []string) Bundle {
	var b Bundle
	var signals []string

	for _, p := range paths {
		switch Of(p) {
		case Image:
			b.Images = append(b.Images, p)
		case Signal:
			signals = append(signals, p)
		case Text:
			b.Text = append(b.Text, p)
		default:
			b.Unknown = append(b.Unknown, p)
		}
	}

	b.Signals = groupSignals(signals)
	return b
}

func groupSignals(files []string) []SignalGroup {
	if len(files) == 0 {
		return nil
	}

	index := make(map[string]int)
	var groups []SignalGroup
	for _, f := range files {
		key := stem(f)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}
	return groups
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Files returns the paths of category c. Signal groups are flattened in
// group order.
func (b Bundle) Files(c Category) []string {
	switch c {
	case Image:
		return b.Images
	case Text:
		return b.Text
	case Signal:
		var out []string
		for _, g := range b.Signals {
			out = append(out, g...)
		}
		return out
	default:
		return b.Unknown
	}
}

// Units returns the number of processing units in c: files for images and
// text, groups for signals.
func (b Bundle) Units(c Category) int {
	switch c {
	case Image:
		return len(b.Images)
	case Signal:
		return len(b.Signals)
	case Text:
		return len(b.Text)
	default:
		return len(b.Unknown)
	}
}

// Processable returns the number of units some pipeline can handle.
func (b Bundle) Processable() int {
	return len(b.Images) + len(b.Signals) + len(b.Text)
}

// Summary returns the counts used by the processing report.
func (b Bundle) Summary() Summary {
	total := len(b.Images) + len(b.Text) + len(b.Unknown)
	for _, g := range b.Signals {
		total += len(g)
	}

	unknown := make([]string, len(b.Unknown))
	for i, p := range b.Unknown {
		unknown[i] = filepath.Base(p)
	}

	return Summary{
		Total:        total,
		Images:       len(b.Images),
		SignalGroups: len(b.Signals),
		Text:         len(b.Text),
		Unknown:      unknown,
	}
}
