// Package export renders attendance reports as CSV or XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"gradaccess/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv (the default when empty) or xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Table is a header plus string rows.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// NoCompanion marks a missing companion slot in the student report.
const NoCompanion = "no_companion"

const timeLayout = "2006-01-02 15:04:05"

// Students builds the student report with both companion statuses.
func Students(rows []model.StudentExport, loc *time.Location) Table {
	t := Table{
		Name: "students",
		Header: []string{
			"id", "student_remote_id", "first_name", "last_name", "career", "email", "secondary_email",
			"cedula", "payment_confirmed", "qr_data", "qr_generated_at", "qr_sent_at",
			"access_status", "checked_in_at", "companion_1_status", "companion_2_status",
		},
		Rows: make([][]string, 0, len(rows)),
	}
	for _, r := range rows {
		s := r.Student
		t.Rows = append(t.Rows, []string{
			strconv.FormatInt(s.ID, 10), s.RemoteID, s.FirstName, s.LastName, s.Career, s.Email, s.SecondaryEmail,
			s.Cedula, strconv.FormatBool(s.PaymentConfirmed), s.QRData, stamp(s.QRGeneratedAt, loc), stamp(s.QRSentAt, loc),
			string(s.AccessStatus), stamp(s.CheckedInAt, loc), companionStatus(r.CompanionStatuses[0]), companionStatus(r.CompanionStatuses[1]),
		})
	}
	return t
}

// Companions builds the companion report with owning student data.
func Companions(rows []model.CompanionExport, loc *time.Location) Table {
	t := Table{
		Name: "companions",
		Header: []string{
			"id", "student_id", "companion_number", "qr_data", "qr_generated_at", "access_status",
			"checked_in_at", "pdf_sent_at", "first_name", "last_name", "cedula", "email",
		},
		Rows: make([][]string, 0, len(rows)),
	}
	for _, r := range rows {
		c := r.Companion
		generated := c.QRGeneratedAt
		t.Rows = append(t.Rows, []string{
			strconv.FormatInt(c.ID, 10), strconv.FormatInt(c.StudentID, 10), strconv.Itoa(c.Number), c.QRData,
			stamp(&generated, loc), string(c.AccessStatus), stamp(c.CheckedInAt, loc), stamp(c.PDFSentAt, loc),
			r.StudentFirstName, r.StudentLastName, r.StudentCedula, r.StudentEmail,
		})
	}
	return t
}

// Write renders t in format f.
func Write(w io.Writer, f Format, t Table) error {
	if f == FormatXLSX {
		return WriteXLSX(w, t)
	}
	return WriteCSV(w, t)
}

// WriteCSV streams t as CSV.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX renders t as a single-sheet workbook using the streaming writer.
func WriteXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := t.Name
	if sheet == "" {
		sheet = "Sheet1"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", cells(t.Header)); err != nil {
		return err
	}
	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, cells(row)); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

// FileName is the attachment name for a report.
func FileName(t Table, f Format, at time.Time) string {
	return fmt.Sprintf("%s_export_%s.%s", t.Name, at.Format("20060102_150405"), f)
}

func cells(row []string) []interface{} {
	out := make([]interface{}, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}

func companionStatus(s model.AccessStatus) string {
	if s == "" {
		return NoCompanion
	}
	return string(s)
}

func stamp(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	if loc != nil {
		return t.In(loc).Format(timeLayout)
	}
	return t.Format(timeLayout)
}
