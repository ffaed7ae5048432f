package jobs

import "time"

// Type is the closed set of work the engine knows how to run. Adding a
// type means adding a dispatch arm in the worker; unknown strings are
// rejected at enqueue time.
type Type string

const (
	TypeLogin             Type = "login"
	TypeSendMessages      Type = "send_messages"
	TypeSendFollowups     Type = "send_followups"
	TypeScrapeConnections Type = "scrape_connections"
	TypeRunSequence       Type = "run_sequence"
)

func (t Type) Valid() bool {
	switch t {
	case TypeLogin, TypeSendMessages, TypeSendFollowups, TypeScrapeConnections, TypeRunSequence:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Payload struct {
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

type Job struct {
	ID        string     `json:"id"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	Payload   Payload    `json:"payload,omitempty"`
	Progress  int        `json:"progress"`
	Total     int        `json:"total"`
	Detail    string     `json:"detail,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (j Job) Clone() Job {
	out := j
	if j.Payload.MessageIDs != nil {
		out.Payload.MessageIDs = make([]int64, len(j.Payload.MessageIDs))
		copy(out.Payload.MessageIDs, j.Payload.MessageIDs)
	}
	return out
}

func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	JobType  Type      `json:"job_type"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress,omitempty"`
	Total    int       `json:"total,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
