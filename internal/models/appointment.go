package models

import (
	"fmt"
	"strings"
)

// UserType kind of user taking part in a consultation.
type UserType string

// User types.
const (
	UserTypePatient UserType = "patient"
	UserTypeStaff   UserType = "staff"
)

// Staff roles.
const (
	RoleDoctor   = "doctor"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Valid checks that the user type is known.
func (t UserType) Valid() bool {
	return t == UserTypePatient || t == UserTypeStaff
}

// Appointment the scheduled consultation a session is bound to.
type Appointment struct {
	ID        string   `json:"id"`
	PatientID string   `json:"patientId"`
	StaffIDs  []string `json:"staffIds"`
	Status    string   `json:"status"`
}

// AssignedTo returns true if the staff member is assigned to the appointment.
func (a Appointment) AssignedTo(userID string) bool {
	for _, id := range a.StaffIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (a Appointment) String() string {
	return fmt.Sprintf("Appointment(id=%s, patientId=%s, staff=%d, status=%s)", a.ID, a.PatientID, len(a.StaffIDs), a.Status)
}

// Requester identity of the user performing a session operation.
type Requester struct {
	UserID   string   `json:"userId"`
	UserType UserType `json:"userType"`
	Role     string   `json:"role,omitempty"`
}

// Validate checks that the requester carries a complete identity.
func (r Requester) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: requester userId is missing", ErrInvalidInput)
	}
	if !r.UserType.Valid() {
		return fmt.Errorf("%w: unknown userType %q", ErrInvalidInput, r.UserType)
	}
	if r.UserType == UserTypeStaff && r.Role == "" {
		return fmt.Errorf("%w: staff requester without role", ErrInvalidInput)
	}
	return nil
}

// IsStaff returns true if the requester is a member of staff.
func (r Requester) IsStaff() bool {
	return r.UserType == UserTypeStaff
}

func (r Requester) String() string {
	return fmt.Sprintf("Requester(userId=%s, userType=%s, role=%s)", r.UserID, r.UserType, r.Role)
}
