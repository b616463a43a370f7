package attendance

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradaccess/internal/model"
	"gradaccess/internal/store"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

func TestSaveCredentialsSingleTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	creds := []model.IssuedCredential{
		{StudentID: 1, Token: "t1", Image: []byte{1}, IssuedAt: now},
		{StudentID: 2, Token: "t2", Image: []byte{2}, IssuedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE students SET qr_data")
	prep.ExpectExec().WithArgs(int64(1), "t1", []byte{1}, now).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(2), "t2", []byte{2}, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveCredentials(context.Background(), creds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCredentialsRollsBackOnWriteFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	creds := []model.IssuedCredential{
		{StudentID: 1, Token: "t1", IssuedAt: now},
		{StudentID: 2, Token: "t2", IssuedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE students SET qr_data")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SaveCredentials(context.Background(), creds)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "student 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStudentsClassifies(t *testing.T) {
	repo, mock := newMockRepo(t)
	students := []model.Student{
		{RemoteID: "A1", FirstName: "Ana", LastName: "Pérez", Email: "ana@example.edu", PaymentConfirmed: true},
		{RemoteID: "B2", FirstName: "Luis", LastName: "Mora", Email: "luis@example.edu", PaymentConfirmed: true},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO students")
	prep.ExpectQuery().WithArgs("A1", "Ana", "Pérez", "", "ana@example.edu", sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	prep.ExpectQuery().WithArgs("B2", "Luis", "Mora", "", "luis@example.edu", sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	res, err := repo.UpsertStudents(context.Background(), students)

	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1, Updated: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckInConditionalUpdate(t *testing.T) {
	repo, mock := newMockRepo(t)
	query := regexp.QuoteMeta(`UPDATE companions SET access_status = 'checked_in', checked_in_at = $2 WHERE id = $1 AND access_status = 'pending'`)

	mock.ExpectExec(query).WithArgs(int64(7), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs(int64(7), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.CheckIn(context.Background(), model.RoleCompanion, 7, time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.CheckIn(context.Background(), model.RoleCompanion, 7, time.Now())
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckInRejectsUnknownRole(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.CheckIn(context.Background(), model.Role("staff"), 1, time.Now())

	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestFindCompanionCredential(t *testing.T) {
	repo, mock := newMockRepo(t)
	cols := []string{"id", "student_id", "companion_number", "qr_data", "access_status", "checked_in_at", "first_name", "last_name", "career"}

	mock.ExpectQuery("FROM companions c JOIN students s").WithArgs("companion_abc123").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(7, 3, 1, "companion_abc123", "pending", nil, "Ana", "Pérez", "Derecho"))
	mock.ExpectQuery("FROM companions c JOIN students s").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	cred, err := repo.FindCompanionCredential(context.Background(), "companion_abc123")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, model.RoleCompanion, cred.Role)
	assert.Equal(t, 1, cred.Slot)
	assert.Equal(t, model.StatusPending, cred.AccessStatus)
	assert.Equal(t, "Ana Pérez", cred.DisplayName())

	cred, err = repo.FindCompanionCredential(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceCompanions(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	cols := []string{"id", "student_id", "companion_number", "qr_data", "qr_generated_at", "access_status", "checked_in_at", "pdf_sent_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM students WHERE id = $1 FOR UPDATE")).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec("INSERT INTO companions .* DO UPDATE SET").WithArgs(int64(3), 1, "companion_n1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO companions .* DO UPDATE SET").WithArgs(int64(3), 2, "companion_n2", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("FROM companions WHERE student_id").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(10, 3, 1, "companion_n1", now, "pending", nil, nil).
			AddRow(11, 3, 2, "companion_n2", now, "pending", nil, nil))
	mock.ExpectCommit()

	companions, err := repo.ReplaceCompanions(context.Background(), 3, [CompanionSlots]string{"companion_n1", "companion_n2"}, now)

	require.NoError(t, err)
	require.Len(t, companions, 2)
	assert.Equal(t, "companion_n2", companions[1].QRData)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceCompanionsUnknownStudent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM students").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.ReplaceCompanions(context.Background(), 99, [CompanionSlots]string{"a", "b"}, time.Now())

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDenyOnlyFromPending(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE companions SET access_status = 'denied' WHERE id = $1 AND access_status = 'pending'")).
		WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET access_status = 'denied' WHERE id = $1 AND access_status = 'pending'")).
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Deny(context.Background(), model.RoleCompanion, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already checked in: the guard matches no row.
	ok, err = repo.Deny(context.Background(), model.RolePrimary, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStatusClearsCheckIn(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET access_status = 'pending', checked_in_at = NULL WHERE id = $1")).
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE companions SET access_status = 'pending'").
		WithArgs(int64(6)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.ResetStatus(context.Background(), model.RolePrimary, 5))
	err := repo.ResetStatus(context.Background(), model.RoleCompanion, 6)

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetByCedula(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE students SET access_status = 'pending'").WithArgs("V-123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE companions SET access_status = 'pending'").WithArgs("V-123").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.ResetByCedula(context.Background(), "V-123")

	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotifiedRequiresRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE students SET qr_sent_at").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.MarkNotified(context.Background(), 42, time.Now()), store.ErrNotFound)
}
