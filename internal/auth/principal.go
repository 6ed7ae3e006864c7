package auth

import (
	"fmt"

	"github.com/google/uuid"
)

// Role is the closed set of principal kinds the upstream auth layer issues.
type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleAdmin        Role = "admin"
)

// Principal is the authenticated caller as asserted by the auth layer.
// The API trusts it; all ownership decisions happen against it.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RolePractitioner, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Party identifies the two sides of an appointment.
type Party struct {
	PatientID      uuid.UUID
	PractitionerID uuid.UUID
}

// IsParty reports whether the principal is one of the two participants.
// Admins are deliberately not parties; they act through admin endpoints only.
func IsParty(p Principal, party Party) bool {
	switch p.Role {
	case RolePatient:
		return p.ID == party.PatientID
	case RolePractitioner:
		return p.ID == party.PractitionerID
	default:
		return false
	}
}
