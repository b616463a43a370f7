package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gradaccess/internal/model"
)

// CompanionPrefix marks companion tokens so they never look like primary ones.
const CompanionPrefix = "companion_"

// NewPrimaryToken returns an opaque token for a student's own credential.
func NewPrimaryToken() string {
	return uuid.NewString()
}

// NewCompanionToken returns "companion_" followed by 32 hex characters.
func NewCompanionToken() string {
	return CompanionPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Issuer mints primary credentials.
type Issuer struct {
	renderer Renderer
	now      func() time.Time
	token    func() string
}

// NewIssuer creates an issuer stamping times in loc.
func NewIssuer(renderer Renderer, loc *time.Location) *Issuer {
	if loc == nil {
		loc = time.UTC
	}
	return &Issuer{
		renderer: renderer,
		now:      func() time.Time { return time.Now().In(loc) },
		token:    NewPrimaryToken,
	}
}

// Issue creates a fresh token and renders it for a student.
func (i *Issuer) Issue(studentID int64) (model.IssuedCredential, error) {
	token := i.token()
	img, err := i.renderer.Render(token)
	if err != nil {
		return model.IssuedCredential{}, fmt.Errorf("render credential for student %d: %w", studentID, err)
	}
	return model.IssuedCredential{
		StudentID: studentID,
		Token:     token,
		Image:     img,
		IssuedAt:  i.now(),
	}, nil
}
