package model

import (
	"strings"
	"time"
)

// AccessStatus is the gate state attached to every credential.
type AccessStatus string

const (
	StatusPending   AccessStatus = "pending"
	StatusCheckedIn AccessStatus = "checked_in"
	StatusDenied    AccessStatus = "denied"
)

// Valid reports whether s is one of the known statuses.
func (s AccessStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCheckedIn, StatusDenied:
		return true
	}
	return false
}

// Role distinguishes the primary credential from companion credentials.
type Role string

const (
	RolePrimary   Role = "student"
	RoleCompanion Role = "companion"
)

// Student is a graduate admitted from the payment source.
type Student struct {
	ID               int64        `json:"id"`
	RemoteID         string       `json:"student_remote_id"`
	FirstName        string       `json:"first_name"`
	LastName         string       `json:"last_name"`
	Career           string       `json:"career,omitempty"`
	Email            string       `json:"email"`
	SecondaryEmail   string       `json:"secondary_email,omitempty"`
	Cedula           string       `json:"cedula,omitempty"`
	PaymentConfirmed bool         `json:"payment_confirmed"`
	QRData           string       `json:"qr_data,omitempty"`
	QRImage          []byte       `json:"-"`
	QRGeneratedAt    *time.Time   `json:"qr_generated_at,omitempty"`
	QRSentAt         *time.Time   `json:"qr_sent_at,omitempty"`
	AccessStatus     AccessStatus `json:"access_status"`
	CheckedInAt      *time.Time   `json:"checked_in_at,omitempty"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Recipients returns the primary address followed by the secondary one, if any.
func (s Student) Recipients() []string {
	out := []string{s.Email}
	if s.SecondaryEmail != "" && !strings.EqualFold(s.SecondaryEmail, s.Email) {
		out = append(out, s.SecondaryEmail)
	}
	return out
}

// Companion is one of the two guest credentials owned by a student.
type Companion struct {
	ID            int64        `json:"id"`
	StudentID     int64        `json:"student_id"`
	Number        int          `json:"companion_number"`
	QRData        string       `json:"qr_data"`
	QRGeneratedAt time.Time    `json:"qr_generated_at"`
	AccessStatus  AccessStatus `json:"access_status"`
	CheckedInAt   *time.Time   `json:"checked_in_at,omitempty"`
	PDFSentAt     *time.Time   `json:"pdf_sent_at,omitempty"`
}

// Credential is the scan-time view of either a primary or a companion code,
// joined with the owning student's display data.
type Credential struct {
	ID           int64        `json:"id"`
	Role         Role         `json:"type"`
	StudentID    int64        `json:"student_id"`
	Slot         int          `json:"companion_number,omitempty"`
	Token        string       `json:"-"`
	AccessStatus AccessStatus `json:"access_status"`
	CheckedInAt  *time.Time   `json:"checked_in_at,omitempty"`
	FirstName    string       `json:"first_name"`
	LastName     string       `json:"last_name"`
	Career       string       `json:"career,omitempty"`
}

// DisplayName is the bearer's name as shown at the gate. Companions carry
// the owning student's name.
func (c Credential) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// IssuedCredential is a freshly minted primary credential awaiting persistence.
type IssuedCredential struct {
	StudentID int64
	Token     string
	Image     []byte
	IssuedAt  time.Time
}

// StudentExport is one row of the student attendance report.
type StudentExport struct {
	Student
	CompanionStatuses [2]AccessStatus `json:"companion_statuses"`
}

// CompanionExport is one row of the companion attendance report.
type CompanionExport struct {
	Companion
	StudentFirstName string `json:"student_first_name"`
	StudentLastName  string `json:"student_last_name"`
	StudentCedula    string `json:"student_cedula"`
	StudentEmail     string `json:"student_email"`
}
