package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Used by tests and DRIVER_MODE=mock
// development runs; it implements the same contracts as the SQL stores,
// including transition validation and batch atomicity.
type MemoryStore struct {
	mu sync.RWMutex

	contacts map[int64]*Contact
	messages map[int64]*Message
	batches  map[int64]*DailyBatch

	nextContactID int64
	nextMessageID int64
	nextBatchID   int64
	nextEntryID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[int64]*Contact),
		messages: make(map[int64]*Message),
		batches:  make(map[int64]*DailyBatch),
	}
}

func (s *MemoryStore) CreateContact(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contacts {
		if existing.LinkedInID == c.LinkedInID {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	s.nextContactID++
	c.ID = s.nextContactID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateContact(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id int64) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return *c, nil
}

func (s *MemoryStore) GetContactByLinkedInID(_ context.Context, linkedinID string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.LinkedInID == linkedinID {
			return *c, nil
		}
	}
	return Contact{}, ErrNotFound
}

func (s *MemoryStore) ListContacts(_ context.Context, f ContactFilter) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if f.Connected != nil && c.IsConnected != *f.Connected {
			continue
		}
		if f.SequenceState != "" && c.SequenceState != f.SequenceState {
			continue
		}
		if f.Industry != "" && c.Industry != f.Industry {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Contact{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountContacts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts), nil
}

func (s *MemoryStore) ContactStats(_ context.Context) (ContactStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := ContactStats{ByState: make(map[string]int)}
	messaged := make(map[int64]bool)
	for _, m := range s.messages {
		if m.Type == MessageInitial && m.Status == MessageSent {
			messaged[m.ContactID] = true
		}
	}
	for _, c := range s.contacts {
		stats.Total++
		if c.IsConnected {
			stats.Connected++
		}
		if c.HasReplied {
			stats.Replied++
		}
		if messaged[c.ID] {
			stats.Messaged++
		}
		stats.ByState[string(c.SequenceState)]++
	}
	return stats, nil
}

func (s *MemoryStore) BatchCandidates(_ context.Context, cutoff time.Time, limit int) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hasSentInitial := make(map[int64]bool)
	for _, m := range s.messages {
		if m.Type == MessageInitial && m.Status == MessageSent {
			hasSentInitial[m.ContactID] = true
		}
	}

	out := make([]Contact, 0, limit)
	for _, c := range s.contacts {
		if !c.IsConnected {
			continue
		}
		if hasSentInitial[c.ID] {
			continue
		}
		if c.LastShownAt != nil && !c.LastShownAt.Before(cutoff) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastShownAt, out[j].LastShownAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[m.ContactID]; !ok {
		return ErrNotFound
	}
	s.nextMessageID++
	m.ID = s.nextMessageID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MessageDraft
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, f MessageFilter) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if f.ContactID != 0 && m.ContactID != f.ContactID {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id int64, status MessageStatus, errMsg string, sentAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if !m.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	m.Status = status
	m.ErrorMessage = errMsg
	if sentAt != nil {
		t := *sentAt
		m.SentAt = &t
	}
	return nil
}

func (s *MemoryStore) FollowupCandidates(_ context.Context, dayStart, dayEnd time.Time) ([]FollowupCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FollowupCandidate, 0)
	for _, m := range s.messages {
		if m.Type != MessageInitial || m.Status != MessageSent || m.SentAt == nil {
			continue
		}
		if m.SentAt.Before(dayStart) || !m.SentAt.Before(dayEnd) {
			continue
		}
		c, ok := s.contacts[m.ContactID]
		if !ok || c.HasReplied {
			continue
		}
		out = append(out, FollowupCandidate{Contact: *c, InitialMessageID: m.ID, SentAt: *m.SentAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contact.ID < out[j].Contact.ID })
	return out, nil
}

func (s *MemoryStore) GetBatchByDate(_ context.Context, batchDate string, typ BatchType) (DailyBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.BatchDate == batchDate && b.Type == typ {
			return cloneBatch(b), nil
		}
	}
	return DailyBatch{}, ErrNotFound
}

func (s *MemoryStore) CreateBatchWithEntries(_ context.Context, b *DailyBatch, contactIDs []int64, shownAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.batches {
		if existing.BatchDate == b.BatchDate && existing.Type == b.Type {
			return ErrConflict
		}
	}
	for _, id := range contactIDs {
		if _, ok := s.contacts[id]; !ok {
			return ErrNotFound
		}
	}
	s.nextBatchID++
	b.ID = s.nextBatchID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.Entries = b.Entries[:0]
	for _, id := range contactIDs {
		s.nextEntryID++
		b.Entries = append(b.Entries, BatchEntry{
			ID:        s.nextEntryID,
			BatchID:   b.ID,
			ContactID: id,
			Selected:  true,
		})
		c := s.contacts[id]
		t := shownAt
		c.LastShownAt = &t
		c.UpdatedAt = shownAt
	}
	cp := cloneBatch(b)
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) SetEntryMessage(_ context.Context, batchID, contactID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	for i := range b.Entries {
		if b.Entries[i].ContactID == contactID {
			id := messageID
			b.Entries[i].MessageID = &id
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }

func cloneBatch(b *DailyBatch) DailyBatch {
	out := *b
	out.Entries = make([]BatchEntry, len(b.Entries))
	copy(out.Entries, b.Entries)
	return out
}
