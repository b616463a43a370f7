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

// FindCompanionCredential looks a token up among companion credentials.
// It returns nil when the token is not a companion code.
func (r *Repository) FindCompanionCredential(ctx context.Context, token string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT c.id, c.student_id, c.companion_number, c.qr_data, c.access_status, c.checked_in_at,
			s.first_name, s.last_name, s.career
		FROM companions c
		JOIN students s ON s.id = c.student_id
		WHERE c.qr_data = $1
	`, token)
	cred := model.Credential{Role: model.RoleCompanion}
	var status string
	err := row.Scan(&cred.ID, &cred.StudentID, &cred.Slot, &cred.Token, &status, &cred.CheckedInAt,
		&cred.FirstName, &cred.LastName, &cred.Career)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.AccessStatus = model.AccessStatus(status)
	return &cred, nil
}

// FindPrimaryCredential looks a token up among student credentials.
// It returns nil when the token is not a primary code.
func (r *Repository) FindPrimaryCredential(ctx context.Context, token string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, qr_data, access_status, checked_in_at, first_name, last_name, career
		FROM students
		WHERE qr_data = $1
	`, token)
	cred := model.Credential{Role: model.RolePrimary}
	var status string
	err := row.Scan(&cred.ID, &cred.Token, &status, &cred.CheckedInAt, &cred.FirstName, &cred.LastName, &cred.Career)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.StudentID = cred.ID
	cred.AccessStatus = model.AccessStatus(status)
	return &cred, nil
}

// CheckIn moves a pending credential to checked_in. The WHERE clause makes
// the read-and-write one statement, so among concurrent callers only one
// sees true.
func (r *Repository) CheckIn(ctx context.Context, role model.Role, id int64, at time.Time) (bool, error) {
	table, err := credentialTable(role)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET access_status = 'checked_in', checked_in_at = $2
		WHERE id = $1 AND access_status = 'pending'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Deny moves a pending credential to denied. It reports false when the
// credential was not pending, so a used code can never become denied.
func (r *Repository) Deny(ctx context.Context, role model.Role, id int64) (bool, error) {
	table, err := credentialTable(role)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET access_status = 'denied'
		WHERE id = $1 AND access_status = 'pending'
	`, id)
	if err != nil {
		return false, store.MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetStatus returns one credential to pending from any status and clears
// its check-in time.
func (r *Repository) ResetStatus(ctx context.Context, role model.Role, id int64) error {
	table, err := credentialTable(role)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET access_status = 'pending', checked_in_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return store.MapError(err)
	}
	return store.RequireRows(res, fmt.Sprintf("%s %d", role, id))
}

// ResetAll returns every checked-in credential to pending. Denied
// credentials stay denied.
func (r *Repository) ResetAll(ctx context.Context) (int64, error) {
	return r.reset(ctx, "", nil)
}

// ResetByCedula returns the checked-in credentials of one student, and of
// that student's companions, to pending.
func (r *Repository) ResetByCedula(ctx context.Context, cedula string) (int64, error) {
	return r.reset(ctx, " AND cedula = $1", []any{cedula})
}

func (r *Repository) reset(ctx context.Context, studentFilter string, args []any) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE students SET access_status = 'pending', checked_in_at = NULL
		WHERE access_status = 'checked_in'`+studentFilter, args...)
	if err != nil {
		return 0, fmt.Errorf("reset students: %w", err)
	}
	students, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE companions SET access_status = 'pending', checked_in_at = NULL
		WHERE access_status = 'checked_in'
		  AND student_id IN (SELECT id FROM students WHERE TRUE`+studentFilter+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("reset companions: %w", err)
	}
	companions, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reset: %w", err)
	}
	return students + companions, nil
}

// Wipe deletes every student, companion, registered token and scan event.
func (r *Repository) Wipe(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE scan_events, companions, students, credential_tokens RESTART IDENTITY CASCADE`)
	return err
}

// InsertScanEvent appends one entry to the scan log. Replays of the same
// event id are ignored.
func (r *Repository) InsertScanEvent(ctx context.Context, evt ScanEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_events (id, token, outcome, role, student_id, slot, gate, scanned_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.Token, string(evt.Outcome), nullString(string(evt.Role)),
		sql.NullInt64{Int64: evt.StudentID, Valid: evt.StudentID != 0},
		sql.NullInt64{Int64: int64(evt.Slot), Valid: evt.Slot != 0},
		evt.Gate, evt.ScannedAt)
	return err
}

func credentialTable(role model.Role) (string, error) {
	switch role {
	case model.RolePrimary:
		return "students", nil
	case model.RoleCompanion:
		return "companions", nil
	}
	return "", fmt.Errorf("%w: role %q", store.ErrInvalidEntity, role)
}
