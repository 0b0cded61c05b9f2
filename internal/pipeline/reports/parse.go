package reports

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Field names shared by parsed reports, tabular inputs and outputs.
const (
	FieldLastName     = "last_name"
	FieldFirstName    = "first_name"
	FieldAge          = "age"
	FieldSex          = "sex"
	FieldDate         = "date"
	FieldSymptoms     = "symptoms"
	FieldHistory      = "history"
	FieldDiagnosis    = "diagnosis"
	FieldTreatment    = "treatment"
	FieldSourceFile   = "source_file"
	FieldBirthYear    = "birth_year"
	FieldAnnotationID = "annotation_id"
)

var (
	// "Patient: Jean Dupont, 45 ans" identifies the compact layout.
	patientLine = regexp.MustCompile(`(?i)Patient:\s*([^,\n]+),\s*(\d+)\s*ans`)
	dateLine    = regexp.MustCompile(`(?i)Date:\s*(.+)`)
	digits      = regexp.MustCompile(`\d+`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]|_`)
)

// ParseReport extracts fields from report lines. Two layouts are
// recognised: a compact one opening with "Patient: <name>, <age> ans" and a
// labelled one with one "Label: value" pair per line.
func ParseReport(lines []string) map[string]string {
	if patientLine.MatchString(strings.Join(lines, "\n")) {
		return parseCompact(lines)
	}
	return parseLabelled(lines)
}

func parseCompact(lines []string) map[string]string {
	report := make(map[string]string)
	text := strings.Join(lines, "\n")

	if m := patientLine.FindStringSubmatch(text); m != nil {
		name := strings.Fields(m[1])
		switch {
		case len(name) > 1:
			report[FieldLastName] = name[len(name)-1]
			report[FieldFirstName] = strings.Join(name[:len(name)-1], " ")
		case len(name) == 1:
			report[FieldFirstName] = name[0]
		}
		report[FieldAge] = m[2]
	}
	if m := dateLine.FindStringSubmatch(text); m != nil {
		report[FieldDate] = strings.TrimSpace(m[1])
	}

	for _, line := range lines {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		l := fold(label)
		switch {
		case strings.Contains(l, "motif") && strings.Contains(l, "consultation"):
			report[FieldSymptoms] = CleanText(value)
		case strings.Contains(l, "antecedents"):
			report[FieldHistory] = CleanText(value)
		case strings.Contains(l, "diagnostic"):
			report[FieldDiagnosis] = CleanText(value)
		case strings.Contains(l, "traitement"):
			report[FieldTreatment] = CleanText(value)
		}
	}
	return report
}

// labelFields maps a label word to the field it fills and whether the value
// is cleaned free text.
var labelFields = []struct {
	word  string
	field string
	clean bool
}{
	{"prenom", FieldFirstName, false},
	{"nom", FieldLastName, false},
	{"age", FieldAge, false},
	{"sexe", FieldSex, false},
	{"date", FieldDate, false},
	{"motif", FieldSymptoms, true},
	{"antecedents", FieldHistory, true},
	{"diagnostic", FieldDiagnosis, true},
	{"traitement", FieldTreatment, true},
}

// parseLabelled fills each field from the first line whose label contains
// the field's word. Later duplicates are ignored.
func parseLabelled(lines []string) map[string]string {
	report := make(map[string]string)
	for _, line := range lines {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		words := strings.Fields(punctuation.ReplaceAllString(fold(label), " "))
		value = strings.TrimSpace(value)

		for _, lf := range labelFields {
			if _, done := report[lf.field]; done || !containsWord(words, lf.word) {
				continue
			}
			switch {
			case lf.field == FieldAge:
				if n := digits.FindString(value); n != "" {
					report[FieldAge] = n
				}
			case lf.clean:
				report[lf.field] = CleanText(value)
			default:
				report[lf.field] = value
			}
			break
		}
	}
	return report
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

var accents = strings.NewReplacer(
	"à", "a", "â", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"î", "i", "ï", "i",
	"ô", "o", "ö", "o",
	"ù", "u", "û", "u", "ü", "u",
	"ç", "c",
)

// fold lower-cases s and strips French diacritics.
func fold(s string) string {
	return accents.Replace(strings.ToLower(strings.TrimSpace(s)))
}

var medicalStopwords = []string{
	"patient", "docteur", "médecin", "consultation", "examen",
	"antecedent", "antecedents", "histoire", "cas",
	"motif", "depuis", "jours", "jour", "mois", "annee", "années",
	"presente", "presentant", "sans", "avec", "pendant", "apres", "avant",
	"traitement", "douleur", "douleurs",
}

var frenchStopwords = []string{
	"aux", "avec", "ces", "dans", "des", "elle", "eux", "leur", "lui", "mais",
	"même", "mes", "moi", "mon", "nos", "notre", "nous", "par", "pas", "pour",
	"qui", "que", "ses", "son", "sur", "tes", "toi", "ton", "une", "vos",
	"votre", "vous", "été", "étée", "étées", "étés", "étant", "suis", "est",
	"sommes", "êtes", "sont", "serai", "sera", "serons", "serez", "seront",
	"serais", "serait", "étais", "était", "étions", "étiez", "étaient",
	"fus", "fut", "ai", "avons", "avez", "ont", "aurai", "aura", "avais",
	"avait", "avions", "aviez", "avaient", "eut", "ayant", "eue", "eues",
	"eus", "cette", "cet", "ceux", "celle", "lors", "elles", "ils",
}

var stopwords = func() map[string]struct{} {
	m := make(map[string]struct{}, len(medicalStopwords)+len(frenchStopwords))
	for _, w := range medicalStopwords {
		m[w] = struct{}{}
	}
	for _, w := range frenchStopwords {
		m[w] = struct{}{}
	}
	return m
}()

// CleanText lower-cases s, drops digits and punctuation, then removes French
// and medical stopwords and words shorter than three letters.
func CleanText(s string) string {
	s = strings.ToLower(s)
	s = digits.ReplaceAllString(s, "")
	s = punctuation.ReplaceAllString(s, " ")

	var kept []string
	for _, w := range strings.Fields(s) {
		if _, stop := stopwords[w]; stop || utf8.RuneCountInString(w) <= 2 {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// parseAge returns the integer age in v, or 0.
func parseAge(v string) int {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return int(f)
	}
	return 0
}
