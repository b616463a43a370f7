package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/delivery"
)

var (
	// ErrStudentNotFound means no student holds the given cedula.
	ErrStudentNotFound = errors.New("student not found")
	// ErrNotEligible means the student's payment is not confirmed.
	ErrNotEligible = errors.New("student payment not confirmed")
)

// Resent describes an invitation sent on demand.
type Resent struct {
	StudentID  int64    `json:"student_id"`
	Name       string   `json:"name"`
	Recipients []string `json:"recipients"`
	Preview    bool     `json:"preview"`
}

// Service sends invitations to a single student outside the batch queue.
type Service struct {
	source    *Source
	transport delivery.Transport
	dryRun    bool
	logger    logrus.FieldLogger
}

// NewService creates the on-demand sender.
func NewService(source *Source, transport delivery.Transport, dryRun bool, logger logrus.FieldLogger) *Service {
	return &Service{source: source, transport: transport, dryRun: dryRun, logger: logger}
}

// ResendToStudent mails both companion invitations to the student with the
// given cedula, whether or not they were sent before.
func (s *Service) ResendToStudent(ctx context.Context, cedula string) (Resent, error) {
	st, err := s.source.store.FindStudentByCedula(ctx, cedula)
	if err != nil {
		return Resent{}, fmt.Errorf("find student: %w", err)
	}
	if st == nil {
		return Resent{}, ErrStudentNotFound
	}
	if !st.PaymentConfirmed {
		return Resent{}, ErrNotEligible
	}

	job := jobFor(*st)
	msg, err := s.source.Compose(ctx, job)
	if err != nil {
		return Resent{}, err
	}
	session, err := s.transport.Dial(ctx)
	if err != nil {
		return Resent{}, err
	}
	defer func() { _ = session.Close() }()
	if err := session.Send(ctx, msg); err != nil {
		return Resent{}, fmt.Errorf("send invitation: %w", err)
	}
	if !s.dryRun {
		if err := s.source.MarkDelivered(ctx, job, time.Now()); err != nil {
			return Resent{}, fmt.Errorf("record invitation: %w", err)
		}
	}
	s.logger.WithFields(logrus.Fields{"student_id": st.ID, "preview": s.dryRun}).Info("companion invitation resent")
	return Resent{StudentID: st.ID, Name: st.FullName(), Recipients: job.Recipients, Preview: s.dryRun}, nil
}
