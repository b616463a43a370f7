// Package roster reads the graduation roster: the list of national ids
// allowed to receive credentials.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoCedulaColumn is returned when the header has no cedula column.
var ErrNoCedulaColumn = errors.New("roster has no cedula column")

// ErrEmpty is returned when the roster authorizes nobody.
var ErrEmpty = errors.New("roster contains no cedulas")

// Set is the allowed cedula set.
type Set map[string]struct{}

// Has reports whether cedula is listed.
func (s Set) Has(cedula string) bool {
	_, ok := s[Normalize(cedula)]
	return ok
}

// Normalize trims spaces so ids from both sides compare equal.
func Normalize(cedula string) string {
	return strings.TrimSpace(cedula)
}

// Load reads a CSV or XLSX roster depending on the file extension.
func Load(path string) (Set, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return loadXLSX(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a comma separated roster with a header row.
func ReadCSV(r io.Reader) (Set, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return fromRows(records)
}

func loadXLSX(path string) (Set, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoCedulaColumn
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return fromRows(rows)
}

func fromRows(rows [][]string) (Set, error) {
	if len(rows) == 0 {
		return nil, ErrNoCedulaColumn
	}
	col := -1
	for i, name := range rows[0] {
		name = strings.TrimPrefix(name, "\ufeff")
		if strings.EqualFold(strings.TrimSpace(name), "cedula") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrNoCedulaColumn
	}
	set := make(Set, len(rows)-1)
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		if c := Normalize(row[col]); c != "" {
			set[c] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, ErrEmpty
	}
	return set, nil
}
