package reports

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/medpipe/internal/pipeline"
)

// PersonalColumns are the identifying output columns.
var PersonalColumns = []string{FieldLastName, FieldFirstName, FieldBirthYear, FieldAnnotationID}

// excludedFromMedical never reach the clinical table.
var excludedFromMedical = []string{FieldLastName, FieldFirstName, FieldBirthYear, FieldAge}

// medicalOrder fixes the position of known clinical columns; any other
// column follows in alphabetical order.
var medicalOrder = []string{
	FieldAnnotationID, FieldDate, FieldSex, FieldSymptoms, FieldHistory,
	FieldDiagnosis, FieldTreatment, FieldSourceFile,
}

var dateLayouts = []string{"2 January 2006", "2006-01-02", "02/01/2006", "2/1/2006"}

var frenchMonths = strings.NewReplacer(
	"janvier", "January", "février", "February", "fevrier", "February",
	"mars", "March", "avril", "April", "mai", "May", "juin", "June",
	"juillet", "July", "août", "August", "aout", "August",
	"septembre", "September", "octobre", "October", "novembre", "November",
	"décembre", "December", "decembre", "December",
)

// parseDate accepts "12 mars 2024", "12 March 2024", ISO and day-first
// slash dates.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	candidates := []string{s, frenchMonths.Replace(strings.ToLower(s))}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

var maleTokens = []string{"homme", "male", "m", "h", "man"}

var normalDiagnoses = []string{"aucun", "normal", "rien à signaler", "sans particularité"}

// AnnotationID builds the 11-digit id YYMMDD S AAA D of a record: report
// date (now when absent or unparsable), sex (0 male, 1 otherwise), age on
// three digits and diagnosis flag (0 when normal). Records whose id does
// not fit 11 digits get "0".
func AnnotationID(rec map[string]string, now time.Time) string {
	date, ok := parseDate(rec[FieldDate])
	if !ok {
		date = now
	}

	sex := 1
	if v := strings.TrimSpace(rec[FieldSex]); v != "" {
		words := strings.FieldsFunc(strings.ToLower(v), func(r rune) bool {
			return r == ' ' || r == '/' || r == '-' || r == ','
		})
		for _, w := range words {
			if slices.Contains(maleTokens, w) {
				sex = 0
				break
			}
		}
	}

	diagnosis := 1
	if d := strings.ToLower(rec[FieldDiagnosis]); d != "" {
		for _, n := range normalDiagnoses {
			if strings.Contains(d, n) {
				diagnosis = 0
				break
			}
		}
	}

	id := fmt.Sprintf("%02d%02d%02d%d%03d%d",
		date.Year()%100, int(date.Month()), date.Day(), sex, parseAge(rec[FieldAge]), diagnosis)
	if len(id) != 11 {
		return "0"
	}
	return id
}

// Annotate assigns annotation ids and birth years, then splits records into
// a personal table and a clinical table linked by the annotation id.
func Annotate(records []map[string]string, now time.Time) (personal, medical *pipeline.Table) {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			seen[k] = true
		}
	}

	cols := slices.Clone(medicalOrder)
	var extra []string
	for k := range seen {
		if !slices.Contains(medicalOrder, k) && !slices.Contains(excludedFromMedical, k) {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	cols = append(cols, extra...)

	personal = pipeline.NewTable(PersonalColumns...)
	medical = pipeline.NewTable(cols...)

	for _, rec := range records {
		out := maps.Clone(rec)
		age := parseAge(rec[FieldAge])
		out[FieldAge] = fmt.Sprint(age)
		out[FieldAnnotationID] = AnnotationID(rec, now)
		out[FieldBirthYear] = fmt.Sprint(now.Year() - age)

		personal.Append(out)
		medical.Append(out)
	}
	return personal, medical
}
