// Package signals reads WFDB record headers and splits their metadata into
// identifying and technical tables.
package signals

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformedHeader is returned for header files that do not follow the
// WFDB header layout.
var ErrMalformedHeader = errors.New("malformed WFDB header")

// Record is the content of one .hea file.
type Record struct {
	Name        string
	NumSegments int
	NumSignals  int
	Frequency   float64
	Length      int
	BaseTime    string
	BaseDate    string
	Signals     []Signal
	Comments    []string
	// Fields holds "key: value" comments, keys lower-cased with spaces
	// replaced by underscores.
	Fields map[string]string
}

// Signal is one signal specification line.
type Signal struct {
	FileName    string
	Format      string
	Gain        float64
	Baseline    int
	Units       string
	Resolution  int
	ADCZero     int
	InitValue   int
	Checksum    int
	BlockSize   int
	Description string
}

// ParseFile parses the header at path.
func ParseFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	rec, err := Parse(f)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// Parse reads a WFDB header: one record line, one line per signal (or per
// segment for multi-segment records) and any number of '#' comments.
func Parse(r io.Reader) (Record, error) {
	rec := Record{Fields: make(map[string]string)}
	sc := bufio.NewScanner(r)

	seenRecord := false
	specs := 0
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			rec.addComment(strings.TrimSpace(strings.TrimLeft(line, "#")))
			continue
		}

		if !seenRecord {
			if err := rec.parseRecordLine(line); err != nil {
				return Record{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			seenRecord = true
			continue
		}

		// Segment lines of multi-segment records carry no signal data.
		if rec.NumSegments > 0 {
			specs++
			continue
		}
		if specs >= rec.NumSignals {
			continue
		}
		sig, err := parseSignalLine(line)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rec.Signals = append(rec.Signals, sig)
		specs++
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}

	if !seenRecord {
		return Record{}, fmt.Errorf("%w: missing record line", ErrMalformedHeader)
	}
	if rec.NumSegments == 0 && len(rec.Signals) < rec.NumSignals {
		return Record{}, fmt.Errorf("%w: expected %d signal lines, found %d", ErrMalformedHeader, rec.NumSignals, len(rec.Signals))
	}
	return rec, nil
}

func (r *Record) addComment(c string) {
	if c == "" {
		return
	}
	r.Comments = append(r.Comments, c)
	key, value, ok := strings.Cut(c, ":")
	if !ok {
		return
	}
	key = strings.ToLower(strings.Join(strings.Fields(key), "_"))
	if key == "" {
		return
	}
	r.Fields[key] = strings.TrimSpace(value)
}

// parseRecordLine handles "name[/segments] nsig [fs[/counter[(base)]] [len [time [date]]]]".
func (r *Record) parseRecordLine(line string) error {
	f := strings.Fields(line)
	if len(f) < 2 {
		return fmt.Errorf("%w: record line needs a name and a signal count", ErrMalformedHeader)
	}

	name, segs, hasSegs := strings.Cut(f[0], "/")
	r.Name = name
	if hasSegs {
		n, err := strconv.Atoi(segs)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: bad segment count %q", ErrMalformedHeader, segs)
		}
		r.NumSegments = n
	}

	n, err := strconv.Atoi(f[1])
	if err != nil || n < 0 {
		return fmt.Errorf("%w: bad signal count %q", ErrMalformedHeader, f[1])
	}
	r.NumSignals = n

	r.Frequency = 250
	if len(f) > 2 {
		fs, _, _ := strings.Cut(f[2], "/")
		v, err := strconv.ParseFloat(fs, 64)
		if err != nil {
			return fmt.Errorf("%w: bad sampling frequency %q", ErrMalformedHeader, f[2])
		}
		r.Frequency = v
	}
	if len(f) > 3 {
		v, err := strconv.Atoi(f[3])
		if err != nil {
			return fmt.Errorf("%w: bad signal length %q", ErrMalformedHeader, f[3])
		}
		r.Length = v
	}
	if len(f) > 4 {
		r.BaseTime = f[4]
	}
	if len(f) > 5 {
		r.BaseDate = f[5]
	}
	return nil
}

// parseSignalLine handles "file format [gain[(baseline)][/units] [res [zero [init [checksum [block [description]]]]]]]".
func parseSignalLine(line string) (Signal, error) {
	f := strings.Fields(line)
	if len(f) < 2 {
		return Signal{}, fmt.Errorf("%w: signal line needs a file name and a format", ErrMalformedHeader)
	}

	sig := Signal{FileName: f[0], Gain: 200, Units: "mV"}
	sig.Format = leadingDigits(f[1])
	if sig.Format == "" {
		return Signal{}, fmt.Errorf("%w: bad format %q", ErrMalformedHeader, f[1])
	}

	if len(f) > 2 {
		if err := sig.parseGain(f[2]); err != nil {
			return Signal{}, err
		}
	}

	ints := []*int{&sig.Resolution, &sig.ADCZero, &sig.InitValue, &sig.Checksum, &sig.BlockSize}
	for i, dst := range ints {
		if len(f) <= 3+i {
			break
		}
		v, err := strconv.Atoi(f[3+i])
		if err != nil {
			return Signal{}, fmt.Errorf("%w: bad integer field %q", ErrMalformedHeader, f[3+i])
		}
		*dst = v
	}
	if len(f) > 8 {
		sig.Description = strings.Join(f[8:], " ")
	}
	return sig, nil
}

func (s *Signal) parseGain(field string) error {
	gain, units, hasUnits := strings.Cut(field, "/")
	if hasUnits {
		s.Units = units
	}
	if open := strings.IndexByte(gain, '('); open >= 0 {
		closing := strings.IndexByte(gain, ')')
		if closing < open {
			return fmt.Errorf("%w: bad baseline in %q", ErrMalformedHeader, field)
		}
		b, err := strconv.Atoi(gain[open+1 : closing])
		if err != nil {
			return fmt.Errorf("%w: bad baseline in %q", ErrMalformedHeader, field)
		}
		s.Baseline = b
		gain = gain[:open]
	}
	v, err := strconv.ParseFloat(gain, 64)
	if err != nil {
		return fmt.Errorf("%w: bad gain %q", ErrMalformedHeader, field)
	}
	if v != 0 {
		s.Gain = v
	}
	return nil
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
