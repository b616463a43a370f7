// Package admission pulls confirmed graduation payments into the local
// student table.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/attendance"
	"gradaccess/internal/model"
	"gradaccess/internal/paysource"
	"gradaccess/internal/roster"
)

// PaymentSource reads the external payment records.
type PaymentSource interface {
	FetchPayments(ctx context.Context, since time.Time) ([]paysource.Payment, error)
	SecondaryEmails(ctx context.Context, remoteIDs []string) (map[string]string, error)
}

// StudentStore persists admitted students.
type StudentStore interface {
	UpsertStudents(ctx context.Context, students []model.Student) (attendance.UpsertResult, error)
}

// RosterLoader returns the currently authorized cedulas.
type RosterLoader func() (roster.Set, error)

// Skip reasons.
const (
	ReasonNotInRoster  = "not_in_roster"
	ReasonMissingEmail = "missing_email"
)

// Skipped describes a payer who was not admitted.
type Skipped struct {
	RemoteID  string `json:"student_remote_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Cedula    string `json:"cedula,omitempty"`
	Reason    string `json:"reason"`
}

// Summary reports one sync run.
type Summary struct {
	Inserted       int       `json:"inserted_count"`
	Updated        int       `json:"updated_count"`
	Skipped        int       `json:"skipped_count"`
	TotalProcessed int       `json:"total_processed"`
	SkippedRows    []Skipped `json:"skipped,omitempty"`
}

// Service runs admission syncs.
type Service struct {
	source PaymentSource
	store  StudentStore
	roster RosterLoader
	logger logrus.FieldLogger
}

// NewService wires a sync service.
func NewService(source PaymentSource, store StudentStore, rosterLoader RosterLoader, logger logrus.FieldLogger) *Service {
	return &Service{source: source, store: store, roster: rosterLoader, logger: logger}
}

// Sync admits every rostered payer with an email whose payment was confirmed
// at or after since. Only the most recent payment per student is considered.
func (s *Service) Sync(ctx context.Context, since time.Time) (Summary, error) {
	var sum Summary
	allowed, err := s.roster()
	if err != nil {
		return sum, fmt.Errorf("load roster: %w", err)
	}
	payments, err := s.source.FetchPayments(ctx, since)
	if err != nil {
		return sum, fmt.Errorf("fetch payments: %w", err)
	}
	latest := latestPerStudent(payments)
	sum.TotalProcessed = len(latest)

	var admitted []paysource.Payment
	for _, p := range latest {
		switch {
		case p.Cedula == "" || !allowed.Has(p.Cedula):
			sum.SkippedRows = append(sum.SkippedRows, skip(p, ReasonNotInRoster))
		case p.Email == "":
			s.logger.WithField("student_remote_id", p.RemoteID).Warn("skipping payer without email")
			sum.SkippedRows = append(sum.SkippedRows, skip(p, ReasonMissingEmail))
		default:
			admitted = append(admitted, p)
		}
	}
	sum.Skipped = len(sum.SkippedRows)

	secondary := s.secondaryEmails(ctx, admitted)
	students := make([]model.Student, 0, len(admitted))
	for _, p := range admitted {
		st := model.Student{
			RemoteID:         p.RemoteID,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			Career:           p.Career,
			Email:            p.Email,
			Cedula:           p.Cedula,
			PaymentConfirmed: true,
		}
		if alt := secondary[p.RemoteID]; !strings.EqualFold(alt, p.Email) {
			st.SecondaryEmail = alt
		}
		students = append(students, st)
	}

	res, err := s.store.UpsertStudents(ctx, students)
	if err != nil {
		return sum, fmt.Errorf("upsert students: %w", err)
	}
	sum.Inserted, sum.Updated = res.Inserted, res.Updated
	s.logger.WithFields(logrus.Fields{
		"inserted": sum.Inserted,
		"updated":  sum.Updated,
		"skipped":  sum.Skipped,
	}).Info("admission sync complete")
	return sum, nil
}

// secondaryEmails is best effort; a failing profile lookup leaves every
// student with only the primary address.
func (s *Service) secondaryEmails(ctx context.Context, payments []paysource.Payment) map[string]string {
	if len(payments) == 0 {
		return nil
	}
	ids := make([]string, len(payments))
	for i, p := range payments {
		ids[i] = p.RemoteID
	}
	emails, err := s.source.SecondaryEmails(ctx, ids)
	if err != nil {
		s.logger.WithError(err).Warn("secondary email lookup failed")
		return nil
	}
	return emails
}

// latestPerStudent keeps the first row seen per student. Payments arrive
// ordered newest first within each student.
func latestPerStudent(payments []paysource.Payment) []paysource.Payment {
	seen := make(map[string]struct{}, len(payments))
	out := make([]paysource.Payment, 0, len(payments))
	for _, p := range payments {
		if _, ok := seen[p.RemoteID]; ok {
			continue
		}
		seen[p.RemoteID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func skip(p paysource.Payment, reason string) Skipped {
	return Skipped{RemoteID: p.RemoteID, FirstName: p.FirstName, LastName: p.LastName, Cedula: p.Cedula, Reason: reason}
}
