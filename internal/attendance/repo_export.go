package attendance

import (
	"context"

	"gradaccess/internal/model"
)

// ExportStudents returns every student with the status of both companions.
func (r *Repository) ExportStudents(ctx context.Context) ([]model.StudentExport, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.student_remote_id, s.first_name, s.last_name, s.career, s.email,
			COALESCE(s.secondary_email, ''), COALESCE(s.cedula, ''), s.payment_confirmed, COALESCE(s.qr_data, ''),
			s.qr_generated_at, s.qr_sent_at, s.access_status, s.checked_in_at,
			COALESCE(c1.access_status, ''), COALESCE(c2.access_status, '')
		FROM students s
		LEFT JOIN companions c1 ON c1.student_id = s.id AND c1.companion_number = 1
		LEFT JOIN companions c2 ON c2.student_id = s.id AND c2.companion_number = 2
		ORDER BY s.last_name, s.first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.StudentExport
	for rows.Next() {
		var row model.StudentExport
		var status, c1, c2 string
		s := &row.Student
		if err := rows.Scan(&s.ID, &s.RemoteID, &s.FirstName, &s.LastName, &s.Career, &s.Email,
			&s.SecondaryEmail, &s.Cedula, &s.PaymentConfirmed, &s.QRData,
			&s.QRGeneratedAt, &s.QRSentAt, &status, &s.CheckedInAt, &c1, &c2); err != nil {
			return nil, err
		}
		s.AccessStatus = model.AccessStatus(status)
		row.CompanionStatuses = [2]model.AccessStatus{model.AccessStatus(c1), model.AccessStatus(c2)}
		res = append(res, row)
	}
	return res, rows.Err()
}

// ExportCompanions returns every companion with its owning student's data.
func (r *Repository) ExportCompanions(ctx context.Context) ([]model.CompanionExport, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.student_id, c.companion_number, c.qr_data, c.qr_generated_at, c.access_status,
			c.checked_in_at, c.pdf_sent_at, s.first_name, s.last_name, COALESCE(s.cedula, ''), s.email
		FROM companions c
		JOIN students s ON s.id = c.student_id
		ORDER BY s.last_name, s.first_name, c.companion_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.CompanionExport
	for rows.Next() {
		var row model.CompanionExport
		var status string
		c := &row.Companion
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Number, &c.QRData, &c.QRGeneratedAt, &status,
			&c.CheckedInAt, &c.PDFSentAt, &row.StudentFirstName, &row.StudentLastName,
			&row.StudentCedula, &row.StudentEmail); err != nil {
			return nil, err
		}
		c.AccessStatus = model.AccessStatus(status)
		res = append(res, row)
	}
	return res, rows.Err()
}
