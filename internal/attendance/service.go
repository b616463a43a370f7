package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gradaccess/internal/metrics"
	"gradaccess/internal/model"
	"gradaccess/internal/queue"
)

var (
	// ErrMissingToken is returned with an invalid outcome when a scan carries no token.
	ErrMissingToken = errors.New("scan token required")
	// ErrUnknownToken is returned by operator transitions on a token nobody holds.
	ErrUnknownToken = errors.New("unknown credential token")
	// ErrInvalidTransition is returned when a credential is not in a status
	// the requested change may start from.
	ErrInvalidTransition = errors.New("invalid access status transition")
)

// checkInAttempts bounds how often a scan retries a check-in that lost to a
// concurrent reset.
const checkInAttempts = 3

// ScanEventType tags scan log messages on the queue.
const ScanEventType = "scan"

// OutcomeKind is the result of a scan.
type OutcomeKind string

const (
	OutcomeInvalid   OutcomeKind = "invalid"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeDenied    OutcomeKind = "denied"
	OutcomeWelcome   OutcomeKind = "welcome"
)

// Outcome is what the gate shows for a scan.
type Outcome struct {
	Kind        OutcomeKind `json:"outcome"`
	Role        model.Role  `json:"type,omitempty"`
	StudentID   int64       `json:"student_id,omitempty"`
	Slot        int         `json:"companion_number,omitempty"`
	Name        string      `json:"name,omitempty"`
	Career      string      `json:"career,omitempty"`
	Message     string      `json:"message"`
	CheckedInAt *time.Time  `json:"checked_in_at,omitempty"`
}

// ScanEvent is one entry of the scan log, published after every scan.
type ScanEvent struct {
	ID        string      `json:"id"`
	Token     string      `json:"token"`
	Outcome   OutcomeKind `json:"outcome"`
	Role      model.Role  `json:"role,omitempty"`
	StudentID int64       `json:"student_id,omitempty"`
	Slot      int         `json:"slot,omitempty"`
	Gate      string      `json:"gate,omitempty"`
	ScannedAt time.Time   `json:"scanned_at"`
}

// DecodeScanEvent reads a scan event from a queue message body.
func DecodeScanEvent(body []byte) (ScanEvent, error) {
	var evt ScanEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return ScanEvent{}, fmt.Errorf("decode scan event: %w", err)
	}
	return evt, nil
}

// CredentialStore is the persistence the verifier needs.
type CredentialStore interface {
	FindCompanionCredential(ctx context.Context, token string) (*model.Credential, error)
	FindPrimaryCredential(ctx context.Context, token string) (*model.Credential, error)
	CheckIn(ctx context.Context, role model.Role, id int64, at time.Time) (bool, error)
	Deny(ctx context.Context, role model.Role, id int64) (bool, error)
	ResetStatus(ctx context.Context, role model.Role, id int64) error
	ResetAll(ctx context.Context) (int64, error)
	ResetByCedula(ctx context.Context, cedula string) (int64, error)
}

// Service verifies scans at the gate and applies operator transitions.
type Service struct {
	store  CredentialStore
	events queue.Queue
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewService creates a verifier. events may be nil, in which case no scan log is kept.
func NewService(store CredentialStore, events queue.Queue, logger logrus.FieldLogger) *Service {
	return &Service{store: store, events: events, logger: logger, now: time.Now}
}

// Verify resolves a scanned token to an outcome. Unknown, already used and
// denied codes are outcomes, not errors; an error means the store failed.
func (s *Service) Verify(ctx context.Context, token, gate string) (Outcome, error) {
	if token == "" {
		return Outcome{Kind: OutcomeInvalid, Message: "Missing QR code"}, ErrMissingToken
	}
	out, err := s.verify(ctx, token)
	if err != nil {
		return Outcome{}, err
	}
	metrics.ScansTotal.WithLabelValues(string(out.Kind)).Inc()
	s.publish(ctx, token, gate, out)
	return out, nil
}

func (s *Service) verify(ctx context.Context, token string) (Outcome, error) {
	cred, err := s.lookup(ctx, token)
	if err != nil {
		return Outcome{}, err
	}

	for attempt := 1; cred != nil && cred.AccessStatus == model.StatusPending; attempt++ {
		if attempt > checkInAttempts {
			s.logger.WithFields(logrus.Fields{"role": cred.Role, "id": cred.ID}).Warn("check-in kept losing to concurrent changes")
			return Outcome{Kind: OutcomeInvalid, Message: "Code is being changed, scan again"}, nil
		}
		at := s.now().UTC()
		won, err := s.store.CheckIn(ctx, cred.Role, cred.ID, at)
		if err != nil {
			return Outcome{}, fmt.Errorf("check in %s %d: %w", cred.Role, cred.ID, err)
		}
		if won {
			cred.AccessStatus = model.StatusCheckedIn
			cred.CheckedInAt = &at
			return outcomeFor(OutcomeWelcome, cred), nil
		}
		// The row changed between our read and write: another scan won, an
		// operator denied it, or a reset put it back to pending.
		if cred, err = s.lookup(ctx, token); err != nil {
			return Outcome{}, err
		}
	}
	if cred == nil {
		return Outcome{Kind: OutcomeInvalid, Message: "Invalid QR code"}, nil
	}

	switch cred.AccessStatus {
	case model.StatusCheckedIn:
		return outcomeFor(OutcomeDuplicate, cred), nil
	case model.StatusDenied:
		return outcomeFor(OutcomeDenied, cred), nil
	}
	return Outcome{}, fmt.Errorf("credential %s %d has unknown status %q", cred.Role, cred.ID, cred.AccessStatus)
}

// lookup checks companion codes first, then primary codes.
func (s *Service) lookup(ctx context.Context, token string) (*model.Credential, error) {
	cred, err := s.store.FindCompanionCredential(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("find companion credential: %w", err)
	}
	if cred != nil {
		return cred, nil
	}
	cred, err = s.store.FindPrimaryCredential(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("find primary credential: %w", err)
	}
	return cred, nil
}

func outcomeFor(kind OutcomeKind, cred *model.Credential) Outcome {
	out := Outcome{
		Kind:        kind,
		Role:        cred.Role,
		StudentID:   cred.StudentID,
		Slot:        cred.Slot,
		Name:        cred.DisplayName(),
		Career:      cred.Career,
		CheckedInAt: cred.CheckedInAt,
	}
	who := out.Name
	if cred.Role == model.RoleCompanion {
		who = fmt.Sprintf("companion %d of %s", cred.Slot, out.Name)
	}
	switch kind {
	case OutcomeWelcome:
		out.Message = "Welcome, " + who
	case OutcomeDuplicate:
		out.Message = "Already checked in: " + who
	case OutcomeDenied:
		out.Message = "Access denied: " + who
	}
	return out
}

func (s *Service) publish(ctx context.Context, token, gate string, out Outcome) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(ScanEvent{
		ID:        uuid.NewString(),
		Token:     token,
		Outcome:   out.Kind,
		Role:      out.Role,
		StudentID: out.StudentID,
		Slot:      out.Slot,
		Gate:      gate,
		ScannedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.WithError(err).Error("encode scan event")
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Type: ScanEventType, Body: body}); err != nil {
		s.logger.WithError(err).WithField("outcome", out.Kind).Warn("scan event publish failed")
	}
}

// Deny blocks a pending credential. Checked-in and already denied codes
// are left alone and ErrInvalidTransition is returned with their current state.
func (s *Service) Deny(ctx context.Context, token string) (*model.Credential, error) {
	cred, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if cred.AccessStatus != model.StatusPending {
		return cred, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, cred.Role, cred.AccessStatus)
	}
	ok, err := s.store.Deny(ctx, cred.Role, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("deny %s %d: %w", cred.Role, cred.ID, err)
	}
	if !ok {
		// Checked in or denied after our read.
		if fresh, err := s.lookup(ctx, token); err == nil && fresh != nil {
			cred = fresh
		}
		return cred, fmt.Errorf("%w: %s is no longer pending", ErrInvalidTransition, cred.Role)
	}
	cred.AccessStatus = model.StatusDenied
	s.logger.WithFields(logrus.Fields{"role": cred.Role, "id": cred.ID}).Info("credential denied")
	return cred, nil
}

// Reset returns a credential to pending from any status, clearing any check-in.
func (s *Service) Reset(ctx context.Context, token string) (*model.Credential, error) {
	cred, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResetStatus(ctx, cred.Role, cred.ID); err != nil {
		return nil, fmt.Errorf("reset %s %d: %w", cred.Role, cred.ID, err)
	}
	cred.AccessStatus = model.StatusPending
	cred.CheckedInAt = nil
	s.logger.WithFields(logrus.Fields{"role": cred.Role, "id": cred.ID}).Info("credential reset")
	return cred, nil
}

func (s *Service) resolve(ctx context.Context, token string) (*model.Credential, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	cred, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrUnknownToken
	}
	return cred, nil
}

// ResetAll returns every checked-in credential to pending.
func (s *Service) ResetAll(ctx context.Context) (int64, error) {
	n, err := s.store.ResetAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.WithField("reset", n).Info("check-ins reset")
	return n, nil
}

// ResetByCedula resets one student's party.
func (s *Service) ResetByCedula(ctx context.Context, cedula string) (int64, error) {
	if cedula == "" {
		return 0, errors.New("cedula required")
	}
	return s.store.ResetByCedula(ctx, cedula)
}
