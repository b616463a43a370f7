package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/model"
)

// CompanionStore persists companion pairs.
type CompanionStore interface {
	EnsureCompanions(ctx context.Context, studentID int64, tokens [2]string, at time.Time) ([]model.Companion, error)
	ReplaceCompanions(ctx context.Context, studentID int64, tokens [2]string, at time.Time) ([]model.Companion, error)
}

// Companions manages the two guest credentials of each student.
type Companions struct {
	store  CompanionStore
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewCompanions creates the companion manager.
func NewCompanions(store CompanionStore, loc *time.Location, logger logrus.FieldLogger) *Companions {
	if loc == nil {
		loc = time.UTC
	}
	return &Companions{
		store:  store,
		now:    func() time.Time { return time.Now().In(loc) },
		logger: logger,
	}
}

// Ensure returns both companion credentials, creating whichever is missing.
func (c *Companions) Ensure(ctx context.Context, studentID int64) ([]model.Companion, error) {
	companions, err := c.store.EnsureCompanions(ctx, studentID, pair(), c.now())
	if err != nil {
		return nil, fmt.Errorf("ensure companions for student %d: %w", studentID, err)
	}
	return companions, nil
}

// Regenerate replaces both companion tokens and resets both to pending.
func (c *Companions) Regenerate(ctx context.Context, studentID int64) ([]model.Companion, error) {
	companions, err := c.store.ReplaceCompanions(ctx, studentID, pair(), c.now())
	if err != nil {
		return nil, fmt.Errorf("regenerate companions for student %d: %w", studentID, err)
	}
	c.logger.WithField("student_id", studentID).Info("companion credentials regenerated")
	return companions, nil
}

func pair() [2]string {
	return [2]string{NewCompanionToken(), NewCompanionToken()}
}
