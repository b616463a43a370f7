package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gradaccess/internal/model"
	"gradaccess/internal/store"
)

// CompanionSlots is the fixed number of companion credentials per student.
const CompanionSlots = 2

// ListCompanions returns a student's companions ordered by slot.
func (r *Repository) ListCompanions(ctx context.Context, studentID int64) ([]model.Companion, error) {
	return listCompanions(ctx, r.db, studentID)
}

// EnsureCompanions creates the missing companion rows using the supplied
// tokens and returns both. Existing rows keep their tokens.
func (r *Repository) EnsureCompanions(ctx context.Context, studentID int64, tokens [CompanionSlots]string, at time.Time) ([]model.Companion, error) {
	return r.writeCompanions(ctx, studentID, tokens, at, `
		INSERT INTO companions (student_id, companion_number, qr_data, qr_generated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id, companion_number) DO NOTHING
	`)
}

// ReplaceCompanions swaps both companion tokens and resets their status and
// delivery mark, in one transaction.
func (r *Repository) ReplaceCompanions(ctx context.Context, studentID int64, tokens [CompanionSlots]string, at time.Time) ([]model.Companion, error) {
	return r.writeCompanions(ctx, studentID, tokens, at, `
		INSERT INTO companions (student_id, companion_number, qr_data, qr_generated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id, companion_number) DO UPDATE SET
			qr_data = EXCLUDED.qr_data,
			qr_generated_at = EXCLUDED.qr_generated_at,
			access_status = 'pending',
			checked_in_at = NULL,
			pdf_sent_at = NULL
	`)
}

func (r *Repository) writeCompanions(ctx context.Context, studentID int64, tokens [CompanionSlots]string, at time.Time, query string) ([]model.Companion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin companions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&id); err != nil {
		return nil, fmt.Errorf("lock student %d: %w", studentID, store.MapError(err))
	}
	for i, token := range tokens {
		if _, err := tx.ExecContext(ctx, query, studentID, i+1, token, at); err != nil {
			return nil, fmt.Errorf("write companion %d: %w", i+1, store.MapError(err))
		}
	}
	companions, err := listCompanions(ctx, tx, studentID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit companions: %w", err)
	}
	return companions, nil
}

// MarkInvitationSent stamps both companions of a student as delivered.
func (r *Repository) MarkInvitationSent(ctx context.Context, studentID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE companions SET pdf_sent_at = $2 WHERE student_id = $1`, studentID, at)
	if err != nil {
		return err
	}
	return store.RequireRows(res, fmt.Sprintf("companions of student %d", studentID))
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listCompanions(ctx context.Context, q querier, studentID int64) ([]model.Companion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, student_id, companion_number, qr_data, qr_generated_at, access_status, checked_in_at, pdf_sent_at
		FROM companions WHERE student_id = $1
		ORDER BY companion_number
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Companion
	for rows.Next() {
		var c model.Companion
		var status string
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Number, &c.QRData, &c.QRGeneratedAt, &status, &c.CheckedInAt, &c.PDFSentAt); err != nil {
			return nil, err
		}
		c.AccessStatus = model.AccessStatus(status)
		res = append(res, c)
	}
	return res, rows.Err()
}
