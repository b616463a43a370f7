package invitation

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"gradaccess/internal/delivery"
	"gradaccess/internal/model"
)

// Store is the persistence invitations need.
type Store interface {
	ListPendingInvitations(ctx context.Context) ([]model.Student, error)
	FindStudentByCedula(ctx context.Context, cedula string) (*model.Student, error)
	MarkInvitationSent(ctx context.Context, studentID int64, at time.Time) error
}

// CompanionProvider returns a student's companion pair, creating it if needed.
type CompanionProvider interface {
	Ensure(ctx context.Context, studentID int64) ([]model.Companion, error)
}

// Renderer produces one invitation document.
type Renderer interface {
	Render(studentName string, number int, token string) ([]byte, error)
}

var bodyTmpl = template.Must(template.New("invitation").Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; background: #f4f6fa; margin: 0;">
<div style="background: linear-gradient(90deg, #002060 0%, #009A44 100%); padding: 24px 0 12px 0;">
{{- if .Logo}}<img src="cid:{{.LogoID}}" alt="logo" width="140" style="display:block; margin:auto; background:#fff; border-radius:12px; padding:6px;">{{end}}
</div>
<table width="100%" cellpadding="0" cellspacing="0" style="background:#fff; max-width:600px; margin:30px auto; border-radius:8px; border-top:4px solid #002060;">
<tr><td style="padding:32px;">
<h2 style="color:#002060;">Hello {{.Name}},</h2>
<p>Attached are the invitations for your two companions. Each PDF carries its own access code.</p>
<ul>{{range .Files}}<li>{{.}}</li>{{end}}</ul>
<p style="color:#555;">Forward each invitation to the person who will use it. Every code works only once.</p>
</td></tr>
</table>
</body></html>`))

// Source delivers companion invitations through a delivery.Queue.
type Source struct {
	store      Store
	companions CompanionProvider
	pdf        Renderer
	from       string
	logo       []byte
	loc        *time.Location
}

// NewSource creates the invitation source.
func NewSource(store Store, companions CompanionProvider, pdf Renderer, from string, logo []byte, loc *time.Location) *Source {
	if loc == nil {
		loc = time.UTC
	}
	return &Source{store: store, companions: companions, pdf: pdf, from: from, logo: logo, loc: loc}
}

// Name implements delivery.Source.
func (s *Source) Name() string { return "companion_invitation" }

// Pending implements delivery.Source.
func (s *Source) Pending(ctx context.Context) ([]*delivery.Job, error) {
	students, err := s.store.ListPendingInvitations(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*delivery.Job, 0, len(students))
	for _, st := range students {
		jobs = append(jobs, jobFor(st))
	}
	return jobs, nil
}

func jobFor(st model.Student) *delivery.Job {
	return &delivery.Job{
		StudentID:  st.ID,
		Recipients: st.Recipients(),
		FirstName:  st.FirstName,
		LastName:   st.LastName,
	}
}

// Compose implements delivery.Source. Companion codes are created on first use.
func (s *Source) Compose(ctx context.Context, job *delivery.Job) (*delivery.Message, error) {
	companions, err := s.companions.Ensure(ctx, job.StudentID)
	if err != nil {
		return nil, err
	}
	if len(companions) != 2 {
		return nil, fmt.Errorf("student %d has %d companions", job.StudentID, len(companions))
	}

	name := strings.TrimSpace(job.FirstName + " " + job.LastName)
	msg := &delivery.Message{
		From:    s.from,
		To:      job.Recipients,
		Subject: "Companion invitations - Graduation ceremony",
	}
	files := make([]string, 0, len(companions))
	for _, c := range companions {
		doc, err := s.pdf.Render(name, c.Number, c.QRData)
		if err != nil {
			return nil, fmt.Errorf("render invitation %d for student %d: %w", c.Number, job.StudentID, err)
		}
		file := fileName(c.Number, job.FirstName, job.LastName)
		files = append(files, file)
		msg.Attachments = append(msg.Attachments, delivery.Part{Name: file, ContentType: "application/pdf", Data: doc})
	}

	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, map[string]any{
		"Name":   name,
		"Files":  files,
		"Logo":   len(s.logo) > 0,
		"LogoID": delivery.LogoContentID,
	}); err != nil {
		return nil, fmt.Errorf("render invitation body: %w", err)
	}
	msg.HTML = body.String()
	if len(s.logo) > 0 {
		msg.Inline = []delivery.Part{{Name: delivery.LogoContentID, ContentType: "image/png", Data: s.logo}}
	}
	return msg, nil
}

// MarkDelivered implements delivery.Source.
func (s *Source) MarkDelivered(ctx context.Context, job *delivery.Job, at time.Time) error {
	return s.store.MarkInvitationSent(ctx, job.StudentID, at.In(s.loc))
}

func fileName(number int, first, last string) string {
	clean := func(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), " ", "_") }
	return fmt.Sprintf("Companion_Invitation_%d_%s_%s.pdf", number, clean(first), clean(last))
}
