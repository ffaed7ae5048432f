package store

import (
	"context"
	"testing"
	"time"
)

func newContact(t *testing.T, s *MemoryStore, linkedinID string, connected bool) *Contact {
	t.Helper()
	c := &Contact{
		LinkedInID:    linkedinID,
		ProfileURL:    "https://www.linkedin.com/in/" + linkedinID + "/",
		FullName:      "Test Person",
		FirstName:     "Test",
		Industry:      "Unknown",
		IsConnected:   connected,
		SequenceState: StateNew,
	}
	if connected {
		c.ConnectionStatus = ConnectionConnected
		c.SequenceState = StateConnected
	}
	if err := s.CreateContact(context.Background(), c); err != nil {
		t.Fatalf("CreateContact(%s): %v", linkedinID, err)
	}
	return c
}

func TestCreateContactRejectsDuplicateLinkedInID(t *testing.T) {
	s := NewMemoryStore()
	newContact(t, s, "jane-doe", false)
	err := s.CreateContact(context.Background(), &Contact{LinkedInID: "jane-doe"})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestBatchCandidatesOrderingAndExclusion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -60)

	never := newContact(t, s, "never-shown", true)
	old := newContact(t, s, "shown-long-ago", true)
	shownAt := now.AddDate(0, 0, -90)
	old.LastShownAt = &shownAt
	if err := s.UpdateContact(ctx, old); err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}

	recent := newContact(t, s, "shown-recently", true)
	recentAt := now.AddDate(0, 0, -5)
	recent.LastShownAt = &recentAt
	if err := s.UpdateContact(ctx, recent); err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}

	newContact(t, s, "not-connected", false)

	messaged := newContact(t, s, "already-messaged", true)
	sentAt := now.AddDate(0, 0, -10)
	msg := &Message{ContactID: messaged.ID, Type: MessageInitial, Content: "hi", Status: MessageSent, SentAt: &sentAt}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, err := s.BatchCandidates(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("BatchCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != never.ID {
		t.Fatalf("expected never-shown first, got %s", got[0].LinkedInID)
	}
	if got[1].ID != old.ID {
		t.Fatalf("expected shown-long-ago second, got %s", got[1].LinkedInID)
	}
}

func TestBatchCandidatesRespectsLimit(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		newContact(t, s, id, true)
	}
	got, err := s.BatchCandidates(context.Background(), time.Now().UTC(), 2)
	if err != nil {
		t.Fatalf("BatchCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
}

func TestMessageStatusForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newContact(t, s, "jane-doe", true)
	m := &Message{ContactID: c.ID, Type: MessageInitial, Content: "hello", Status: MessageQueued}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := s.UpdateMessageStatus(ctx, m.ID, MessageSending, "", nil); err != nil {
		t.Fatalf("queued -> sending: %v", err)
	}
	now := time.Now().UTC()
	if err := s.UpdateMessageStatus(ctx, m.ID, MessageSent, "", &now); err != nil {
		t.Fatalf("sending -> sent: %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, m.ID, MessageQueued, "", nil); err != ErrInvalidTransition {
		t.Fatalf("sent is terminal, expected ErrInvalidTransition, got %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, m.ID, MessageFailed, "late", nil); err != ErrInvalidTransition {
		t.Fatalf("sent -> failed must be rejected, got %v", err)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != MessageSent || got.SentAt == nil {
		t.Fatalf("expected sent with timestamp, got %+v", got)
	}
}

func TestFollowupCandidatesWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -2)
	dayEnd := dayStart.AddDate(0, 0, 1)

	due := newContact(t, s, "due", true)
	inWindow := dayStart.Add(10 * time.Hour)
	if err := s.CreateMessage(ctx, &Message{ContactID: due.ID, Type: MessageInitial, Status: MessageSent, SentAt: &inWindow}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	replied := newContact(t, s, "replied", true)
	replied.HasReplied = true
	if err := s.UpdateContact(ctx, replied); err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}
	if err := s.CreateMessage(ctx, &Message{ContactID: replied.ID, Type: MessageInitial, Status: MessageSent, SentAt: &inWindow}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	tooOld := newContact(t, s, "too-old", true)
	before := dayStart.Add(-time.Hour)
	if err := s.CreateMessage(ctx, &Message{ContactID: tooOld.ID, Type: MessageInitial, Status: MessageSent, SentAt: &before}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, err := s.FollowupCandidates(ctx, dayStart, dayEnd)
	if err != nil {
		t.Fatalf("FollowupCandidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Contact.ID != due.ID {
		t.Fatalf("expected contact %d, got %d", due.ID, got[0].Contact.ID)
	}
}

func TestCreateBatchWithEntriesIsAtomicAndUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newContact(t, s, "a", true)
	b := newContact(t, s, "b", true)

	shownAt := time.Now().UTC()
	batch := &DailyBatch{BatchDate: "2026-08-23", Type: BatchInitial}
	if err := s.CreateBatchWithEntries(ctx, batch, []int64{a.ID, b.ID}, shownAt); err != nil {
		t.Fatalf("CreateBatchWithEntries: %v", err)
	}
	if len(batch.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch.Entries))
	}

	got, err := s.GetContact(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if got.LastShownAt == nil || !got.LastShownAt.Equal(shownAt) {
		t.Fatalf("last_shown_at not stamped: %+v", got.LastShownAt)
	}

	dup := &DailyBatch{BatchDate: "2026-08-23", Type: BatchInitial}
	if err := s.CreateBatchWithEntries(ctx, dup, []int64{a.ID}, shownAt); err != ErrConflict {
		t.Fatalf("expected ErrConflict for same date+type, got %v", err)
	}
}

func TestSequenceStateTransitions(t *testing.T) {
	cases := []struct {
		from, to SequenceState
		want     bool
	}{
		{StateNew, StateConnectionSent, true},
		{StateConnectionSent, StateConnected, true},
		{StateConnected, StateMessage1Sent, true},
		{StateMessage1Sent, StateMessage2Sent, true},
		{StateMessage1Sent, StateReplied, true},
		{StateConnected, StateError, true},
		{StateNew, StateConnected, false},
		{StateConnected, StateNew, false},
		{StateReplied, StateMessage2Sent, false},
		{StateError, StateNew, false},
		{StateMessage2Sent, StateReplied, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestLinkedInIDFromURL(t *testing.T) {
	if got := LinkedInIDFromURL("https://www.linkedin.com/in/jane-doe/"); got != "jane-doe" {
		t.Fatalf("got %q", got)
	}
	if got := LinkedInIDFromURL(""); got != "" {
		t.Fatalf("got %q", got)
	}
}
