package notify

import (
	"time"
)

// Role identifies which side of the job board a user belongs to.
type Role string

const (
	RoleJobseeker Role = "jobseeker"
	RoleEmployer  Role = "employer"
	RoleAdmin     Role = "admin"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleJobseeker, RoleEmployer, RoleAdmin:
		return true
	}
	return false
}

// Type tags a notification with its business meaning.
type Type string

const (
	// Jobseeker-facing
	TypeApplicationSubmitted     Type = "APPLICATION_SUBMITTED"
	TypeApplicationStatusChange  Type = "APPLICATION_STATUS_CHANGE"
	TypeInterviewScheduled       Type = "INTERVIEW_SCHEDULED"
	TypeJobMatch                 Type = "JOB_MATCH"
	TypeProfileIncomplete        Type = "PROFILE_INCOMPLETE"
	TypeResumeViewed             Type = "RESUME_VIEWED"

	// Employer-facing
	TypeNewApplication      Type = "NEW_APPLICATION"
	TypeJobExpiring         Type = "JOB_EXPIRING"
	TypeCompanyVerification Type = "COMPANY_VERIFICATION"

	// Everyone
	TypeWelcome     Type = "WELCOME"
	TypeSystemAlert Type = "SYSTEM_ALERT"
	TypeBroadcast   Type = "BROADCAST"
	TypeJobCreated  Type = "JOB_CREATED"
)

// Notification is the canonical record, independent of which wire shape
// delivered it. ID is the deduplication key and is stable across redelivery.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipientId"`
	Type        Type           `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	IsRead      bool           `json:"isRead"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// TypeStat is the per-type read/unread aggregate served by the stats endpoint.
type TypeStat struct {
	Read   int `json:"read"`
	Unread int `json:"unread"`
}

// Stats maps notification type to its aggregate counts.
type Stats map[Type]TypeStat
