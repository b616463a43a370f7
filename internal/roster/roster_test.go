package roster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestReadCSV(t *testing.T) {
	in := "\ufeffNombre,CEDULA\nAna, V-1 \nLuis,\nMaria,V-3\n"

	set, err := ReadCSV(strings.NewReader(in))

	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set.Has("V-1"))
	assert.True(t, set.Has(" V-3"))
	assert.False(t, set.Has("V-2"))
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("nombre,correo\nAna,a@x.com\n"))
	assert.ErrorIs(t, err, ErrNoCedulaColumn)

	_, err = ReadCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoCedulaColumn)
}

func TestReadCSVHeaderOnly(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("cedula\n\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graduacion.csv")
	require.NoError(t, os.WriteFile(path, []byte("cedula\nV-9\n"), 0o600))

	set, err := Load(path)

	require.NoError(t, err)
	assert.True(t, set.Has("V-9"))
}

func TestLoadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graduacion.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Nombre", "Cedula"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"Ana", "V-1"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"Luis", "V-2"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	set, err := Load(path)

	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set.Has("V-2"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
