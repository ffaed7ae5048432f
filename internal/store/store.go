package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence boundary. Every state transition the engine
// makes is committed through it before the next browser action runs.
type Store interface {
	CreateContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id int64) (Contact, error)
	GetContactByLinkedInID(ctx context.Context, linkedinID string) (Contact, error)
	ListContacts(ctx context.Context, f ContactFilter) ([]Contact, error)
	CountContacts(ctx context.Context) (int, error)
	ContactStats(ctx context.Context) (ContactStats, error)

	// BatchCandidates returns connected contacts never shown or last shown
	// before cutoff, excluding contacts that already have a sent initial
	// message, ordered last_shown_at ASC with NULLs first, at most limit.
	BatchCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Contact, error)

	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id int64) (Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	// UpdateMessageStatus enforces the forward-only message lifecycle.
	UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus, errMsg string, sentAt *time.Time) error

	// FollowupCandidates returns contacts whose initial message was sent
	// within [dayStart, dayEnd) and that have not replied.
	FollowupCandidates(ctx context.Context, dayStart, dayEnd time.Time) ([]FollowupCandidate, error)

	GetBatchByDate(ctx context.Context, batchDate string, typ BatchType) (DailyBatch, error)
	// CreateBatchWithEntries inserts the batch, one entry per contact, and
	// stamps each contact's last_shown_at in a single transaction.
	CreateBatchWithEntries(ctx context.Context, b *DailyBatch, contactIDs []int64, shownAt time.Time) error
	SetEntryMessage(ctx context.Context, batchID, contactID, messageID int64) error

	Close() error
}

// LinkedInIDFromURL derives the stable contact key from a profile URL,
// the trailing path segment ("https://.../in/jane-doe/" -> "jane-doe").
func LinkedInIDFromURL(profileURL string) string {
	u := strings.TrimRight(strings.TrimSpace(profileURL), "/")
	if u == "" {
		return ""
	}
	parts := strings.Split(u, "/")
	return parts[len(parts)-1]
}
