package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"gradaccess/internal/model"
)

func sampleStudents() []model.StudentExport {
	checked := time.Date(2025, 7, 12, 14, 5, 0, 0, time.UTC)
	return []model.StudentExport{
		{
			Student: model.Student{ID: 1, RemoteID: "1001", FirstName: "Ana", LastName: "Pérez", Email: "ana@uni.edu",
				Cedula: "V-1", PaymentConfirmed: true, QRData: "tok", AccessStatus: model.StatusCheckedIn, CheckedInAt: &checked},
			CompanionStatuses: [2]model.AccessStatus{model.StatusPending, model.StatusCheckedIn},
		},
		{
			Student: model.Student{ID: 2, RemoteID: "1002", FirstName: "Luis", LastName: "Rojas", Email: "luis@uni.edu",
				AccessStatus: model.StatusPending},
		},
	}
}

func TestStudentsCSV(t *testing.T) {
	loc, err := time.LoadLocation("America/Caracas")
	require.NoError(t, err)
	var buf bytes.Buffer

	require.NoError(t, WriteCSV(&buf, Students(sampleStudents(), loc)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "companion_2_status", records[0][15])
	assert.Equal(t, "Pérez", records[1][3])
	assert.Equal(t, "2025-07-12 10:05:00", records[1][13])
	assert.Equal(t, "checked_in", records[1][15])
	assert.Equal(t, NoCompanion, records[2][14])
	assert.Equal(t, "", records[2][13])
}

func TestCompanionsXLSX(t *testing.T) {
	rows := []model.CompanionExport{
		{Companion: model.Companion{ID: 9, StudentID: 1, Number: 2, QRData: "companion_abc", AccessStatus: model.StatusDenied,
			QRGeneratedAt: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)},
			StudentFirstName: "Ana", StudentLastName: "Pérez", StudentCedula: "V-1", StudentEmail: "ana@uni.edu"},
	}
	var buf bytes.Buffer

	require.NoError(t, Write(&buf, FormatXLSX, Companions(rows, time.UTC)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows("companions")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "companion_number", got[0][2])
	assert.Equal(t, []string{"9", "1", "2", "companion_abc", "2025-07-01 12:00:00", "denied"}, got[1][:6])
	assert.Equal(t, "ana@uni.edu", got[1][11])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("xlsx")
	require.NoError(t, err)
	assert.Contains(t, f.ContentType(), "spreadsheetml")

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	at := time.Date(2025, 7, 12, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "students_export_20250712_093000.csv", FileName(Table{Name: "students"}, FormatCSV, at))
}
