package store

import "time"

type ConnectionStatus string

const (
	ConnectionUnknown   ConnectionStatus = "unknown"
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionConnected ConnectionStatus = "connected"
)

// SequenceState is the per-contact outreach position. States only move
// forward; Message2Sent, Replied and Error are terminal.
type SequenceState string

const (
	StateNew            SequenceState = "New"
	StateConnectionSent SequenceState = "ConnectionSent"
	StateConnected      SequenceState = "Connected"
	StateMessage1Sent   SequenceState = "Message1Sent"
	StateMessage2Sent   SequenceState = "Message2Sent"
	StateReplied        SequenceState = "Replied"
	StateError          SequenceState = "Error"
)

func (s SequenceState) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateConnectionSent:
		return 1
	case StateConnected:
		return 2
	case StateMessage1Sent:
		return 3
	case StateMessage2Sent:
		return 4
	case StateReplied:
		return 5
	default:
		return -1
	}
}

func (s SequenceState) Terminal() bool {
	switch s {
	case StateMessage2Sent, StateReplied, StateError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether next is a legal forward move from s.
// Error is reachable from any non-terminal state.
func (s SequenceState) CanTransition(next SequenceState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	if next == StateReplied {
		return s == StateMessage1Sent
	}
	return next.rank() == s.rank()+1
}

type Contact struct {
	ID               int64            `json:"id"`
	LinkedInID       string           `json:"linkedin_id"`
	ProfileURL       string           `json:"profile_url"`
	FullName         string           `json:"full_name"`
	FirstName        string           `json:"first_name"`
	Title            string           `json:"title,omitempty"`
	Company          string           `json:"company,omitempty"`
	Industry         string           `json:"industry"`
	About            string           `json:"about,omitempty"`
	Experience       string           `json:"experience,omitempty"`
	IsConnected      bool             `json:"is_connected"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	SequenceState    SequenceState    `json:"sequence_state"`
	LastShownAt      *time.Time       `json:"last_shown_at,omitempty"`
	LastMessagedAt   *time.Time       `json:"last_messaged_at,omitempty"`
	LastContactAt    *time.Time       `json:"last_contact_at,omitempty"`
	HasReplied       bool             `json:"has_replied"`
	Tags             string           `json:"tags,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type MessageType string

const (
	MessageInitial  MessageType = "initial"
	MessageFollowup MessageType = "followup"
)

type MessageStatus string

const (
	MessageDraft   MessageStatus = "draft"
	MessageQueued  MessageStatus = "queued"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageDraft:
		return 0
	case MessageQueued:
		return 1
	case MessageSending:
		return 2
	case MessageSent, MessageFailed:
		return 3
	default:
		return -1
	}
}

func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageFailed
}

// CanTransition allows only forward moves; sent and failed are immutable.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

type Message struct {
	ID           int64         `json:"id"`
	ContactID    int64         `json:"contact_id"`
	Type         MessageType   `json:"message_type"`
	Content      string        `json:"content"`
	AttachVideo  bool          `json:"attach_video"`
	Status       MessageStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

type BatchType string

const (
	BatchInitial  BatchType = "initial"
	BatchFollowup BatchType = "followup"
)

type DailyBatch struct {
	ID        int64        `json:"id"`
	BatchDate string       `json:"batch_date"`
	Type      BatchType    `json:"batch_type"`
	CreatedAt time.Time    `json:"created_at"`
	Entries   []BatchEntry `json:"entries"`
}

type BatchEntry struct {
	ID        int64  `json:"id"`
	BatchID   int64  `json:"batch_id"`
	ContactID int64  `json:"contact_id"`
	Selected  bool   `json:"selected"`
	MessageID *int64 `json:"message_id,omitempty"`
}

type ContactFilter struct {
	Connected     *bool
	SequenceState SequenceState
	Industry      string
	Limit         int
	Offset        int
}

type MessageFilter struct {
	ContactID int64
	Type      MessageType
	Status    MessageStatus
	Limit     int
}

type ContactStats struct {
	Total     int            `json:"total"`
	Connected int            `json:"connected"`
	Messaged  int            `json:"messaged"`
	Replied   int            `json:"replied"`
	ByState   map[string]int `json:"by_state"`
}

// FollowupCandidate pairs a contact with the sent initial message that
// makes it due for a follow-up.
type FollowupCandidate struct {
	Contact          Contact   `json:"contact"`
	InitialMessageID int64     `json:"initial_message_id"`
	SentAt           time.Time `json:"sent_at"`
}
