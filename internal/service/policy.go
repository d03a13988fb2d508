package service

import (
	"fmt"

	"github.com/rtcheap/session-manager/internal/models"
)

// Staff access policy names.
const (
	PolicyAssigned = "assigned"
	PolicyAnyStaff = "any"
)

// AccessPolicy decides whether a requester may take part in the session of an appointment.
type AccessPolicy interface {
	Authorize(appointment models.Appointment, requester models.Requester) error
}

// NewAccessPolicy returns the policy registered under the given name.
func NewAccessPolicy(name string) (AccessPolicy, error) {
	switch name {
	case "", PolicyAssigned:
		return AssignedStaffPolicy{}, nil
	case PolicyAnyStaff:
		return AnyStaffPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown staff access policy %q", name)
	}
}

// AssignedStaffPolicy admits the appointments patient and its assigned staff. Admins are always admitted.
type AssignedStaffPolicy struct{}

// Authorize implements AccessPolicy.
func (AssignedStaffPolicy) Authorize(appointment models.Appointment, requester models.Requester) error {
	if requester.IsStaff() {
		if requester.Role == models.RoleAdmin || appointment.AssignedTo(requester.UserID) {
			return nil
		}
		return forbidden(appointment, requester)
	}

	return authorizePatient(appointment, requester)
}

// AnyStaffPolicy admits the appointments patient and any member of staff.
type AnyStaffPolicy struct{}

// Authorize implements AccessPolicy.
func (AnyStaffPolicy) Authorize(appointment models.Appointment, requester models.Requester) error {
	if requester.IsStaff() {
		return nil
	}

	return authorizePatient(appointment, requester)
}

func authorizePatient(appointment models.Appointment, requester models.Requester) error {
	if requester.UserType == models.UserTypePatient && requester.UserID == appointment.PatientID {
		return nil
	}

	return forbidden(appointment, requester)
}

func forbidden(appointment models.Appointment, requester models.Requester) error {
	return fmt.Errorf("%w: %s may not access appointment(id=%s)", models.ErrForbidden, requester, appointment.ID)
}
