package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gradaccess/internal/model"
	"gradaccess/internal/store"
)

// Repository persists students, companions and scan events in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertResult counts how a bulk upsert classified its rows.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// UpsertStudents inserts or refreshes admitted students keyed by remote id,
// all in one transaction. Credential columns are never touched here.
func (r *Repository) UpsertStudents(ctx context.Context, students []model.Student) (UpsertResult, error) {
	var res UpsertResult
	if len(students) == 0 {
		return res, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO students (student_remote_id, first_name, last_name, career, email, secondary_email, cedula, payment_confirmed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (student_remote_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			career = EXCLUDED.career,
			email = EXCLUDED.email,
			secondary_email = COALESCE(EXCLUDED.secondary_email, students.secondary_email),
			cedula = EXCLUDED.cedula,
			payment_confirmed = EXCLUDED.payment_confirmed,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`)
	if err != nil {
		return res, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range students {
		var inserted bool
		err := stmt.QueryRowContext(ctx, s.RemoteID, s.FirstName, s.LastName, s.Career, s.Email,
			nullString(s.SecondaryEmail), nullString(s.Cedula), s.PaymentConfirmed).Scan(&inserted)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert student %s: %w", s.RemoteID, store.MapError(err))
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// GetStudent returns a student by id or store.ErrNotFound.
func (r *Repository) GetStudent(ctx context.Context, id int64) (*model.Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
	s, err := scanStudent(row)
	if err != nil {
		return nil, store.MapError(err)
	}
	return s, nil
}

// FindStudentByCedula returns the most recently admitted student with the
// given national id, or nil when there is none.
func (r *Repository) FindStudentByCedula(ctx context.Context, cedula string) (*model.Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE cedula = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, cedula)
	s, err := scanStudent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListStudentsMissingCredential returns paid students whose primary code or
// image has not been issued yet.
func (r *Repository) ListStudentsMissingCredential(ctx context.Context) ([]model.Student, error) {
	return r.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE payment_confirmed AND (qr_data IS NULL OR qr_image IS NULL)
		ORDER BY id
	`)
}

// CountPaidStudents returns the number of students with confirmed payment.
func (r *Repository) CountPaidStudents(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE payment_confirmed`).Scan(&n)
	return n, err
}

// SaveCredentials writes a chunk of issued primary credentials in a single
// transaction. Either every row lands or none does.
func (r *Repository) SaveCredentials(ctx context.Context, creds []model.IssuedCredential) error {
	if len(creds) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save credentials: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE students
		SET qr_data = $2, qr_image = $3, qr_generated_at = $4, updated_at = NOW()
		WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare save credentials: %w", err)
	}
	defer stmt.Close()

	for _, c := range creds {
		if _, err := stmt.ExecContext(ctx, c.StudentID, c.Token, c.Image, c.IssuedAt); err != nil {
			return fmt.Errorf("save credential for student %d: %w", c.StudentID, store.MapError(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save credentials: %w", err)
	}
	return nil
}

// RotateCredential replaces a student's primary credential. The old token
// stops working, the status returns to pending and the delivery mark is
// cleared so the new code gets sent.
func (r *Repository) RotateCredential(ctx context.Context, c model.IssuedCredential) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students
		SET qr_data = $2, qr_image = $3, qr_generated_at = $4, qr_sent_at = NULL,
			access_status = 'pending', checked_in_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, c.StudentID, c.Token, c.Image, c.IssuedAt)
	if err != nil {
		return store.MapError(err)
	}
	return store.RequireRows(res, fmt.Sprintf("student %d", c.StudentID))
}

// ListPendingNotifications returns students holding a rendered credential
// that has not been mailed yet.
func (r *Repository) ListPendingNotifications(ctx context.Context) ([]model.Student, error) {
	return r.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE payment_confirmed AND qr_image IS NOT NULL AND qr_sent_at IS NULL
		ORDER BY id
	`)
}

// MarkNotified records a successful credential delivery.
func (r *Repository) MarkNotified(ctx context.Context, studentID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE students SET qr_sent_at = $2, updated_at = NOW() WHERE id = $1`, studentID, at)
	if err != nil {
		return err
	}
	return store.RequireRows(res, fmt.Sprintf("student %d", studentID))
}

// ListPendingInvitations returns paid students whose companion invitation
// has not been sent.
func (r *Repository) ListPendingInvitations(ctx context.Context) ([]model.Student, error) {
	return r.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students s
		WHERE s.payment_confirmed
		  AND NOT EXISTS (
			SELECT 1 FROM companions c WHERE c.student_id = s.id AND c.pdf_sent_at IS NOT NULL
		  )
		ORDER BY s.id
	`)
}

const studentColumns = `id, student_remote_id, first_name, last_name, career, email,
	COALESCE(secondary_email, ''), COALESCE(cedula, ''), payment_confirmed, COALESCE(qr_data, ''),
	qr_image, qr_generated_at, qr_sent_at, access_status, checked_in_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*model.Student, error) {
	var s model.Student
	var status string
	if err := row.Scan(&s.ID, &s.RemoteID, &s.FirstName, &s.LastName, &s.Career, &s.Email,
		&s.SecondaryEmail, &s.Cedula, &s.PaymentConfirmed, &s.QRData,
		&s.QRImage, &s.QRGeneratedAt, &s.QRSentAt, &status, &s.CheckedInAt); err != nil {
		return nil, err
	}
	s.AccessStatus = model.AccessStatus(status)
	return &s, nil
}

func (r *Repository) queryStudents(ctx context.Context, query string, args ...any) ([]model.Student, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
