package models

import "time"

// JoinStatus is the lifecycle state of a join request.
type JoinStatus string

const (
	JoinStatusPending  JoinStatus = "pending"
	JoinStatusApproved JoinStatus = "approved"
	JoinStatusRejected JoinStatus = "rejected"
	JoinStatusNotFound JoinStatus = "not_found"
)

// JoinRequest is a device asking to join a family.
type JoinRequest struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"deviceId"`
	DeviceName   string     `json:"deviceName"`
	RequestedAt  time.Time  `json:"requestedAt"`
	Status       JoinStatus `json:"status"`
	AssignedRole string     `json:"assignedRole,omitempty"`

	// Approval is set once the request is approved or rejected.
	Approval *JoinApproval `json:"-"`
}

// JoinApproval is the decision delivered to the requesting device.
type JoinApproval struct {
	RequestID  string `json:"requestId"`
	Approved   bool   `json:"approved"`
	Role       string `json:"role,omitempty"`
	FamilyID   string `json:"familyId,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	SyncToken  string `json:"syncToken,omitempty"`
}
