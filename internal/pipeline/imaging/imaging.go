// Package imaging de-identifies DICOM files and writes the nomenclature,
// metadata and header sidecars that accompany each anonymized image.
package imaging

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Extensions accepted by the image pipeline.
var Extensions = []string{".dcm", ".dicom"}

// AnonymizedInstitution replaces the institution name of every output.
const AnonymizedInstitution = "Anonymized Healthcare Facility"

// ArchiveName is the download name of image results.
const ArchiveName = "processed_medical_images.zip"

// Output directories below the pipeline's output root.
const (
	ImagesDir   = "images"
	MetadataDir = "metadata"
	HeaderDir   = "metadata_hdr"
	CSVDir      = "csv_files"
)

// MappingFile is the nomenclature index written by WriteManifest.
const MappingFile = "nomenclature_mapping.csv"

// phiTags are removed from every dataset before it is written.
var phiTags = []tag.Tag{
	tag.PatientName,
	tag.PatientID,
	tag.PatientBirthDate,
	tag.PatientSex,
	tag.PatientAge,
	tag.PatientWeight,
	tag.PatientAddress,
	tag.PatientTelephoneNumbers,
	tag.PatientBirthTime,
	tag.OtherPatientIDs,
	tag.PatientMotherBirthName,
	tag.PatientComments,
	tag.StudyDate,
	tag.StudyTime,
	tag.ReferringPhysicianName,
	tag.ReferringPhysicianAddress,
	tag.PerformingPhysicianName,
	tag.OperatorsName,
	tag.PhysiciansOfRecord,
	tag.NameOfPhysiciansReadingStudy,
	tag.InstitutionAddress,
	tag.InstitutionalDepartmentName,
	tag.StationName,
	tag.AccessionNumber,
}

// Nomenclature CSV columns, in order.
var mappingColumns = []string{
	"patient_id_nomenclature",
	"study_id_nomenclature",
	"series_id_nomenclature",
	"original_patient_id",
	"original_study_id",
	"original_modality",
	"original_study_date",
	"study_description",
	"study_time",
}

// Options configures a Processor.
type Options struct {
	// Height and Width are the requested target size, recorded in metadata.
	Height int
	Width  int
	Now    func() time.Time
}

// Processor anonymizes DICOM files. Each processed file gets the next
// patient, study and series code (P001, S001, SE001, ...). A Processor is
// meant for one request or job.
type Processor struct {
	height int
	width  int
	now    func() time.Time

	mu      sync.Mutex
	counter int
}

var _ pipeline.Processor = (*Processor)(nil)

// New creates a Processor. Zero sizes default to 256x256.
func New(opts Options) *Processor {
	if opts.Height <= 0 {
		opts.Height = 256
	}
	if opts.Width <= 0 {
		opts.Width = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{height: opts.Height, width: opts.Width, now: opts.Now}
}

// Metadata is the per-image summary written to metadata/*.json.
type Metadata struct {
	PatientID        string    `json:"patient_id"`
	StudyID          string    `json:"study_id"`
	SeriesID         string    `json:"series_id"`
	OriginalSOPUID   string    `json:"original_sop_instance_uid"`
	ImageDimensions  []int     `json:"image_dimensions"`
	PixelSpacing     []float64 `json:"pixel_spacing"`
	Modality         string    `json:"modality"`
	ConversionDate   string    `json:"conversion_date"`
	TargetDimensions []int     `json:"target_dimensions"`
}

func (p *Processor) next() (patient, study, series string) {
	p.mu.Lock()
	p.counter++
	n := p.counter
	p.mu.Unlock()
	return fmt.Sprintf("P%03d", n), fmt.Sprintf("S%03d", n), fmt.Sprintf("SE%03d", n)
}

// ProcessItem parses path, strips identifying tags and writes the anonymized
// image plus its metadata and header sidecars below outDir.
func (p *Processor) ProcessItem(ctx context.Context, path, outDir string) (pipeline.Item, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Item{}, err
	}

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return pipeline.Item{}, fmt.Errorf("not a valid DICOM file: %w", err)
	}

	fields := map[string]string{
		"original_patient_id": stringValue(ds, tag.PatientID),
		"original_study_id":   stringValue(ds, tag.StudyID),
		"original_modality":   stringValue(ds, tag.Modality),
		"original_study_date": stringValue(ds, tag.StudyDate),
		"study_description":   stringValue(ds, tag.StudyDescription),
		"study_time":          stringValue(ds, tag.StudyTime),
	}

	anon, err := Anonymize(ds)
	if err != nil {
		return pipeline.Item{}, err
	}

	patient, study, series := p.next()
	fields["patient_id_nomenclature"] = patient
	fields["study_id_nomenclature"] = study
	fields["series_id_nomenclature"] = series
	suffix := fmt.Sprintf("%s_%s_%s", patient, study, series)

	imagePath := filepath.Join(outDir, ImagesDir, "anonymized_"+suffix+".dcm")
	if err := writeDataset(imagePath, anon); err != nil {
		return pipeline.Item{}, err
	}

	meta := Metadata{
		PatientID:        patient,
		StudyID:          study,
		SeriesID:         series,
		OriginalSOPUID:   cmp.Or(stringValue(ds, tag.SOPInstanceUID), "Unknown"),
		ImageDimensions:  dimensions(ds),
		PixelSpacing:     pixelSpacing(ds),
		Modality:         cmp.Or(stringValue(ds, tag.Modality), "Unknown"),
		ConversionDate:   p.now().Format(time.DateTime),
		TargetDimensions: []int{p.height, p.width},
	}
	metaPath := filepath.Join(outDir, MetadataDir, "metadata_"+suffix+".json")
	if err := writeJSON(metaPath, meta); err != nil {
		return pipeline.Item{}, err
	}

	hdrPath := filepath.Join(outDir, HeaderDir, "metadata_"+suffix+".hdr")
	if err := writeJSON(hdrPath, Header(anon)); err != nil {
		return pipeline.Item{}, err
	}

	return pipeline.Item{
		Source:  filepath.Base(path),
		Outputs: []string{imagePath, metaPath, hdrPath},
		Fields:  fields,
	}, nil
}

// WriteManifest writes csv_files/nomenclature_mapping.csv linking the
// generated codes to the original identifiers.
func (p *Processor) WriteManifest(outDir string, items []pipeline.Item) error {
	dir := filepath.Join(outDir, CSVDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, MappingFile))
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(mappingColumns); err != nil {
		return err
	}
	for _, it := range items {
		row := make([]string, len(mappingColumns))
		for i, col := range mappingColumns {
			row[i] = it.Fields[col]
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return f.Close()
}

// Anonymize returns a copy of ds without identifying tags and with the
// institution name replaced. Elements are kept in tag order.
func Anonymize(ds dicom.Dataset) (dicom.Dataset, error) {
	institution, err := dicom.NewElement(tag.InstitutionName, []string{AnonymizedInstitution})
	if err != nil {
		return dicom.Dataset{}, fmt.Errorf("build institution element: %w", err)
	}

	out := dicom.Dataset{Elements: make([]*dicom.Element, 0, len(ds.Elements)+1)}
	for _, el := range ds.Elements {
		if slices.Contains(phiTags, el.Tag) || el.Tag == tag.InstitutionName {
			continue
		}
		out.Elements = append(out.Elements, el)
	}
	out.Elements = append(out.Elements, institution)

	slices.SortStableFunc(out.Elements, func(a, b *dicom.Element) int {
		if c := cmp.Compare(a.Tag.Group, b.Tag.Group); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag.Element, b.Tag.Element)
	})
	return out, nil
}

// Header maps the dictionary name of every non-pixel element to its value.
func Header(ds dicom.Dataset) map[string]string {
	hdr := make(map[string]string, len(ds.Elements))
	for _, el := range ds.Elements {
		if el.Tag == tag.PixelData || el.Value == nil {
			continue
		}
		name := el.Tag.String()
		if info, err := tag.Find(el.Tag); err == nil && info.Name != "" {
			name = info.Name
		}
		hdr[name] = el.Value.String()
	}
	return hdr
}

func writeDataset(path string, ds dicom.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := dicom.Write(f, ds, dicom.SkipVRVerification()); err != nil {
		f.Close()
		return fmt.Errorf("write anonymized dataset: %w", err)
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	if el.Value.ValueType() == dicom.Strings {
		return strings.Join(dicom.MustGetStrings(el.Value), `\`)
	}
	return strings.Trim(el.Value.String(), "[]")
}

func intValue(ds dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return 0
	}
	switch el.Value.ValueType() {
	case dicom.Ints:
		if v := dicom.MustGetInts(el.Value); len(v) > 0 {
			return v[0]
		}
	case dicom.Strings:
		if v := dicom.MustGetStrings(el.Value); len(v) > 0 {
			n, _ := strconv.Atoi(strings.TrimSpace(v[0]))
			return n
		}
	}
	return 0
}

// dimensions returns [frames,] rows, columns.
func dimensions(ds dicom.Dataset) []int {
	dims := []int{intValue(ds, tag.Rows), intValue(ds, tag.Columns)}
	if frames := intValue(ds, tag.NumberOfFrames); frames > 1 {
		dims = append([]int{frames}, dims...)
	}
	return dims
}

func pixelSpacing(ds dicom.Dataset) []float64 {
	spacing := []float64{1.0, 1.0}
	el, err := ds.FindElementByTag(tag.PixelSpacing)
	if err != nil || el.Value == nil || el.Value.ValueType() != dicom.Strings {
		return spacing
	}
	var out []float64
	for _, s := range dicom.MustGetStrings(el.Value) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return spacing
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return spacing
	}
	return out
}
