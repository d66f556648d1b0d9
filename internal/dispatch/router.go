package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// EventType tags the business events the job board emits.
type EventType string

const (
	EventApplicationSubmitted EventType = "application.submitted"
	EventApplicationStatus    EventType = "application.status_changed"
	EventInterviewScheduled   EventType = "interview.scheduled"
	EventJobCreated           EventType = "job.created"
	EventJobExpiring          EventType = "job.expiring"
	EventCompanyVerified      EventType = "company.verified"
	EventUserRegistered       EventType = "user.registered"
)

// DomainEvent is the envelope for all business events on the ingestion queue.
type DomainEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ApplicationEventData carries application lifecycle events.
type ApplicationEventData struct {
	ApplicationID  string `json:"application_id"`
	JobID          string `json:"job_id"`
	JobTitle       string `json:"job_title"`
	Company        string `json:"company"`
	JobseekerID    string `json:"jobseeker_id"`
	JobseekerName  string `json:"jobseeker_name,omitempty"`
	JobseekerEmail string `json:"jobseeker_email,omitempty"`
	EmployerID     string `json:"employer_id"`
	EmployerEmail  string `json:"employer_email,omitempty"`
	Status         string `json:"status,omitempty"`
}

// InterviewEventData carries interview scheduling events.
type InterviewEventData struct {
	ApplicationID  string    `json:"application_id"`
	JobTitle       string    `json:"job_title"`
	Company        string    `json:"company"`
	JobseekerID    string    `json:"jobseeker_id"`
	JobseekerEmail string    `json:"jobseeker_email,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Location       string    `json:"location,omitempty"`
}

// JobEventData carries job posting lifecycle events.
type JobEventData struct {
	JobID         string    `json:"job_id"`
	Title         string    `json:"title"`
	Company       string    `json:"company"`
	Location      string    `json:"location,omitempty"`
	EmployerID    string    `json:"employer_id"`
	EmployerEmail string    `json:"employer_email,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
}

// CompanyEventData carries company verification events.
type CompanyEventData struct {
	CompanyID     string `json:"company_id"`
	CompanyName   string `json:"company_name"`
	EmployerID    string `json:"employer_id"`
	EmployerEmail string `json:"employer_email,omitempty"`
	Verified      bool   `json:"verified"`
}

// UserEventData carries user lifecycle events.
type UserEventData struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Router turns domain events into targeted notifications. Notification ids
// are derived from the event id so a redelivered event produces the same
// rows and the dedup layers collapse it.
type Router struct {
	svc *Service
	log *observability.Logger
}

func NewRouter(svc *Service, log *observability.Logger) *Router {
	return &Router{svc: svc, log: log.WithCategory("router")}
}

// Route dispatches one domain event. Unknown event types are skipped, not
// failed, so new producers can roll out ahead of this service.
func (r *Router) Route(ctx context.Context, ev *DomainEvent) error {
	switch ev.Type {
	case EventApplicationSubmitted:
		var d ApplicationEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if err := r.svc.NotifyUser(ctx, d.JobseekerID, d.JobseekerEmail, &notify.Notification{
			ID:      ev.ID + "_js",
			Type:    notify.TypeApplicationSubmitted,
			Title:   "Application Submitted",
			Message: fmt.Sprintf("Your application for %s at %s was received", d.JobTitle, d.Company),
			Data:    map[string]any{"applicationId": d.ApplicationID, "jobId": d.JobID},
		}); err != nil {
			return err
		}
		return r.svc.NotifyUser(ctx, d.EmployerID, d.EmployerEmail, &notify.Notification{
			ID:      ev.ID + "_emp",
			Type:    notify.TypeNewApplication,
			Title:   "New Application",
			Message: fmt.Sprintf("%s applied for %s", orUnknown(d.JobseekerName, "A candidate"), d.JobTitle),
			Data:    map[string]any{"applicationId": d.ApplicationID, "jobId": d.JobID},
		})

	case EventApplicationStatus:
		var d ApplicationEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.svc.NotifyUser(ctx, d.JobseekerID, d.JobseekerEmail, &notify.Notification{
			ID:      ev.ID + "_js",
			Type:    notify.TypeApplicationStatusChange,
			Title:   "Application Update",
			Message: fmt.Sprintf("Your application for %s is now %s", d.JobTitle, d.Status),
			Data:    map[string]any{"applicationId": d.ApplicationID, "jobId": d.JobID, "status": d.Status},
		})

	case EventInterviewScheduled:
		var d InterviewEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.svc.NotifyUser(ctx, d.JobseekerID, d.JobseekerEmail, &notify.Notification{
			ID:      ev.ID + "_js",
			Type:    notify.TypeInterviewScheduled,
			Title:   "Interview Scheduled",
			Message: fmt.Sprintf("Interview for %s at %s on %s", d.JobTitle, d.Company, d.ScheduledAt.Format("Jan 2, 3:04 PM")),
			Data:    map[string]any{"applicationId": d.ApplicationID, "location": d.Location},
		})

	case EventJobCreated:
		var d JobEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.svc.AnnounceJob(ctx, notify.JobSummary{
			ID:       d.JobID,
			Title:    d.Title,
			Company:  d.Company,
			Location: d.Location,
		})

	case EventJobExpiring:
		var d JobEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.svc.NotifyUser(ctx, d.EmployerID, d.EmployerEmail, &notify.Notification{
			ID:      ev.ID + "_emp",
			Type:    notify.TypeJobExpiring,
			Title:   "Job Posting Expiring",
			Message: fmt.Sprintf("Your posting %s expires on %s", d.Title, d.ExpiresAt.Format("Jan 2")),
			Data:    map[string]any{"jobId": d.JobID},
		})

	case EventCompanyVerified:
		var d CompanyEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		msg := fmt.Sprintf("%s has been verified", d.CompanyName)
		if !d.Verified {
			msg = fmt.Sprintf("Verification for %s was declined", d.CompanyName)
		}
		return r.svc.NotifyUser(ctx, d.EmployerID, d.EmployerEmail, &notify.Notification{
			ID:      ev.ID + "_emp",
			Type:    notify.TypeCompanyVerification,
			Title:   "Company Verification",
			Message: msg,
			Data:    map[string]any{"companyId": d.CompanyID},
		})

	case EventUserRegistered:
		var d UserEventData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.svc.NotifyUser(ctx, d.UserID, d.Email, &notify.Notification{
			ID:      ev.ID + "_js",
			Type:    notify.TypeWelcome,
			Title:   "Welcome to Aftionix",
			Message: fmt.Sprintf("Welcome aboard, %s! Complete your profile to get matched with jobs.", orUnknown(d.Name, "there")),
		})

	default:
		r.log.Debug("no routing rule for event type", "type", ev.Type)
		return nil
	}
}

func orUnknown(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
