package models

import (
	"errors"
	"time"
)

// MemberStatus is the lifecycle status of an organization member reachable by SMS.
type MemberStatus string

const (
	MemberStatusNew       MemberStatus = "new"
	MemberStatusInvited   MemberStatus = "invited"
	MemberStatusActive    MemberStatus = "active"
	MemberStatusInactive  MemberStatus = "inactive"
	MemberStatusSuspended MemberStatus = "suspended" // opted out by STOP, until re-invited
)

var (
	ErrInvalidMemberStatus = errors.New("invalid member status")
	ErrEmptyPhoneNumber    = errors.New("phone_number is required")
	ErrEmptyOrganization   = errors.New("organization_id is required")
)

// IsValidMemberStatus reports whether status is one of the known member statuses.
func IsValidMemberStatus(status MemberStatus) bool {
	switch status {
	case MemberStatusNew, MemberStatusInvited, MemberStatusActive, MemberStatusInactive, MemberStatusSuspended:
		return true
	default:
		return false
	}
}

// Member is an organization-scoped end user reachable by phone.
type Member struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	PhoneNumber    string       `json:"phone_number"` // canonical E.164
	Name           string       `json:"name,omitempty"`
	Status         MemberStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MemberUpsertRequest is the admin payload for creating or re-inviting a member.
type MemberUpsertRequest struct {
	OrganizationID string       `json:"organization_id"`
	PhoneNumber    string       `json:"phone_number"`
	Name           string       `json:"name,omitempty"`
	Status         MemberStatus `json:"status,omitempty"` // defaults to invited
}

// Validate validates a MemberUpsertRequest. The phone number is canonicalized by the caller.
func (r *MemberUpsertRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if r.OrganizationID == "" {
		return ErrEmptyOrganization
	}
	if r.Status != "" && !IsValidMemberStatus(r.Status) {
		return ErrInvalidMemberStatus
	}
	return nil
}
