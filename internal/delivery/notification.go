package delivery

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"gradaccess/internal/model"
)

// NotificationStore lists students due a credential email and records sends.
type NotificationStore interface {
	ListPendingNotifications(ctx context.Context) ([]model.Student, error)
	MarkNotified(ctx context.Context, studentID int64, at time.Time) error
}

// Inline content ids referenced from the templates.
const (
	QRContentID   = "qrimage"
	LogoContentID = "logo"
)

var notificationTmpl = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; background: #f4f6fa; margin: 0;">
<div style="background: linear-gradient(90deg, #002060 0%, #009A44 100%); padding: 24px 0 12px 0;">
{{- if .Logo}}<img src="cid:{{.LogoID}}" alt="logo" width="140" style="display:block; margin:auto; background:#fff; border-radius:12px; padding:6px;">{{end}}
</div>
<table width="100%" cellpadding="0" cellspacing="0" style="background:#fff; max-width:600px; margin:30px auto; border-radius:8px; border-top:4px solid #002060;">
<tr><td style="padding:32px; text-align:center;">
<h2 style="color:#002060;">Hello {{.Name}},</h2>
<p>Your payment for the graduation ceremony is confirmed. This is your personal access code.</p>
<img src="cid:{{.QRID}}" alt="Access QR code" style="width:240px; height:240px; border:4px solid #009A44; border-radius:16px;">
<p style="color:#555;">Show it at the entrance. Each code admits one person and can be used only once.</p>
</td></tr>
</table>
</body></html>`))

// NotificationSource mails each student their primary credential.
type NotificationSource struct {
	store NotificationStore
	from  string
	logo  []byte
	loc   *time.Location
}

// NewNotificationSource creates the source. logo is loaded once by the
// caller and may be empty.
func NewNotificationSource(store NotificationStore, from string, logo []byte, loc *time.Location) *NotificationSource {
	if loc == nil {
		loc = time.UTC
	}
	return &NotificationSource{store: store, from: from, logo: logo, loc: loc}
}

// Name implements Source.
func (s *NotificationSource) Name() string { return "qr_notification" }

// Pending implements Source.
func (s *NotificationSource) Pending(ctx context.Context) ([]*Job, error) {
	students, err := s.store.ListPendingNotifications(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(students))
	for _, st := range students {
		jobs = append(jobs, &Job{
			StudentID:  st.ID,
			Recipients: st.Recipients(),
			FirstName:  st.FirstName,
			LastName:   st.LastName,
			Payload:    st.QRImage,
		})
	}
	return jobs, nil
}

// Compose implements Source.
func (s *NotificationSource) Compose(_ context.Context, job *Job) (*Message, error) {
	if len(job.Payload) == 0 {
		return nil, fmt.Errorf("student %d has no rendered credential", job.StudentID)
	}
	var body bytes.Buffer
	err := notificationTmpl.Execute(&body, map[string]any{
		"Name":   job.FirstName + " " + job.LastName,
		"Logo":   len(s.logo) > 0,
		"LogoID": LogoContentID,
		"QRID":   QRContentID,
	})
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}
	msg := &Message{
		From:    s.from,
		To:      job.Recipients,
		Subject: "Your graduation access code",
		HTML:    body.String(),
		Inline:  []Part{{Name: QRContentID, ContentType: "image/png", Data: job.Payload}},
	}
	if len(s.logo) > 0 {
		msg.Inline = append(msg.Inline, Part{Name: LogoContentID, ContentType: "image/png", Data: s.logo})
	}
	return msg, nil
}

// MarkDelivered implements Source.
func (s *NotificationSource) MarkDelivered(ctx context.Context, job *Job, at time.Time) error {
	return s.store.MarkNotified(ctx, job.StudentID, at.In(s.loc))
}
