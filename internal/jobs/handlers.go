package jobs

import (
	"context"
	"fmt"
	"time"

	"gradaccess/internal/admission"
	"gradaccess/internal/credential"
	"gradaccess/internal/delivery"
)

// ParamFromDate is the sync start as a date, a "2006-01-02 15:04:05"
// timestamp or RFC 3339.
const ParamFromDate = "from_date"

// Syncer admits paid students.
type Syncer interface {
	Sync(ctx context.Context, since time.Time) (admission.Summary, error)
}

// CredentialGenerator issues missing primary credentials.
type CredentialGenerator interface {
	GenerateMissing(ctx context.Context, progress credential.Progress) (credential.Summary, error)
}

// Dispatcher runs one delivery to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, progress delivery.ProgressFunc) (delivery.Summary, error)
}

// Services are the collaborators the handlers drive. Delivery queues are
// single-use so a fresh one is built per job.
type Services struct {
	Admission     Syncer
	Generator     CredentialGenerator
	Notifications func() Dispatcher
	Invitations   func() Dispatcher
	DefaultFrom   string
	Location      *time.Location
}

// PipelineSummary totals a full_process run.
type PipelineSummary struct {
	StudentsSynced    int   `json:"students_synced"`
	CredentialsIssued int   `json:"qr_codes_generated"`
	NotificationsSent int64 `json:"emails_sent"`
}

// Handlers builds the fixed type to handler table.
func Handlers(s Services) map[Type]Handler {
	return map[Type]Handler{
		TypeSync:                s.sync,
		TypeGenerateCredentials: s.generate,
		TypeSendNotifications:   s.sendNotifications,
		TypeSendInvitations:     s.sendInvitations,
		TypeFullPipeline:        s.fullPipeline,
	}
}

func (s Services) sync(ctx context.Context, params Params, p *Progress) (any, error) {
	p.Set(10)
	since, err := s.since(params)
	if err != nil {
		return nil, err
	}
	sum, err := s.Admission.Sync(ctx, since)
	if err != nil {
		return nil, err
	}
	p.Items(sum.TotalProcessed, sum.TotalProcessed)
	return sum, nil
}

func (s Services) generate(ctx context.Context, _ Params, p *Progress) (any, error) {
	p.Set(10)
	sum, err := s.Generator.GenerateMissing(ctx, func(done, total int) {
		p.Items(done, total)
		if total > 0 {
			p.Set(10 + done*80/total)
		}
	})
	if err != nil {
		return sum, err
	}
	p.Items(sum.GeneratedCount, sum.TotalStudents)
	return sum, nil
}

func (s Services) sendNotifications(ctx context.Context, _ Params, p *Progress) (any, error) {
	return dispatch(ctx, s.Notifications, p)
}

func (s Services) sendInvitations(ctx context.Context, _ Params, p *Progress) (any, error) {
	return dispatch(ctx, s.Invitations, p)
}

func dispatch(ctx context.Context, build func() Dispatcher, p *Progress) (delivery.Summary, error) {
	p.Set(10)
	if build == nil {
		return delivery.Summary{}, ErrNoHandler
	}
	sum, err := build().Dispatch(ctx, func(done, total int) {
		p.Items(done, total)
		if total > 0 {
			p.Set(10 + done*80/total)
		}
	})
	if err != nil {
		return sum, err
	}
	p.Items(int(sum.Sent), sum.Total)
	return sum, nil
}

// fullPipeline syncs, generates and sends in order. Any failing step stops
// the run; results of finished steps stay in the returned map.
func (s Services) fullPipeline(ctx context.Context, params Params, p *Progress) (any, error) {
	results := map[string]any{}

	p.Set(5)
	since, err := s.since(params)
	if err != nil {
		return results, err
	}
	synced, err := s.Admission.Sync(ctx, since)
	if err != nil {
		return results, fmt.Errorf("sync failed: %w", err)
	}
	results["sync"] = synced

	p.Set(35)
	generated, err := s.Generator.GenerateMissing(ctx, nil)
	if err != nil {
		results["qr_generation"] = generated
		return results, fmt.Errorf("credential generation failed: %w", err)
	}
	results["qr_generation"] = generated

	p.Set(65)
	if s.Notifications == nil {
		return results, ErrNoHandler
	}
	sent, err := s.Notifications().Dispatch(ctx, nil)
	results["email_sending"] = sent
	if err != nil {
		return results, fmt.Errorf("email sending failed: %w", err)
	}

	p.Set(100)
	p.Items(int(sent.Sent), synced.TotalProcessed)
	results["summary"] = PipelineSummary{
		StudentsSynced:    synced.TotalProcessed,
		CredentialsIssued: generated.GeneratedCount,
		NotificationsSent: sent.Sent,
	}
	return results, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func (s Services) since(params Params) (time.Time, error) {
	raw := s.DefaultFrom
	if v, ok := params[ParamFromDate].(string); ok && v != "" {
		raw = v
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q", ParamFromDate, raw)
}
