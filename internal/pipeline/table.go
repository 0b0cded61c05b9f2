package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// Table is an ordered set of string records, the common shape of the
// personal and medical outputs.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable creates an empty table with the given columns.
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

// Append adds one record. Keys missing from the table's columns are ignored,
// absent columns are left empty.
func (t *Table) Append(record map[string]string) {
	row := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		row[i] = record[c]
	}
	t.Rows = append(t.Rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// Records returns the rows keyed by column name.
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// WithoutColumns returns a copy of t lacking the named columns.
func (t *Table) WithoutColumns(drop ...string) *Table {
	var keep []int
	out := &Table{}
	for i, c := range t.Columns {
		if slices.Contains(drop, c) {
			continue
		}
		keep = append(keep, i)
		out.Columns = append(out.Columns, c)
	}
	for _, row := range t.Rows {
		nr := make([]string, len(keep))
		for j, i := range keep {
			nr[j] = row[i]
		}
		out.Rows = append(out.Rows, nr)
	}
	return out
}

// WriteCSV writes a header line followed by every row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// JSON encodes the table as an indented array of records.
func (t *Table) JSON() ([]byte, error) {
	return json.MarshalIndent(t.Records(), "", "  ")
}

// XLSX renders the table as a single-sheet workbook.
func (t *Table) XLSX(sheet string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for r, row := range t.Rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = cellValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue stores plain integers as numbers. Zero-padded identifiers stay
// text so they keep their width.
func cellValue(s string) any {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
