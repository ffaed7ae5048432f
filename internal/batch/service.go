// Package batch builds the daily review lists: who to cold-message today
// and who is due a follow-up, and turns operator approvals into queued
// messages plus a worker job.
package batch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/minutely/outreach/internal/jobs"
	"github.com/minutely/outreach/internal/outreach"
	"github.com/minutely/outreach/internal/store"
)

const dateLayout = "2006-01-02"

type Service struct {
	store    store.Store
	registry *jobs.Registry
	queue    *jobs.Queue

	batchSize int
	cooldown  time.Duration

	now func() time.Time
}

func NewService(st store.Store, reg *jobs.Registry, q *jobs.Queue, batchSize, cooldownDays int) *Service {
	if batchSize <= 0 {
		batchSize = 10
	}
	if cooldownDays <= 0 {
		cooldownDays = 60
	}
	return &Service{
		store:     st,
		registry:  reg,
		queue:     q,
		batchSize: batchSize,
		cooldown:  time.Duration(cooldownDays) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ContactEntry is one reviewable row of today's batch.
type ContactEntry struct {
	Contact          store.Contact `json:"contact"`
	Selected         bool          `json:"selected"`
	SuggestedMessage string        `json:"suggested_message"`
	MessageID        *int64        `json:"message_id,omitempty"`
}

type Today struct {
	BatchDate string         `json:"batch_date"`
	Contacts  []ContactEntry `json:"contacts"`
}

type FollowupItem struct {
	Contact             store.Contact `json:"contact"`
	OriginalMessageDate time.Time     `json:"original_message_date"`
	SuggestedFollowup   string        `json:"suggested_followup"`
}

type FollowupBatch struct {
	Contacts []FollowupItem `json:"contacts"`
}

// SendItem is an operator-approved initial message.
type SendItem struct {
	ContactID   int64  `json:"contact_id"`
	Message     string `json:"message"`
	AttachVideo bool   `json:"attach_video"`
}

// FollowupSendItem carries the per-contact approval flag; unapproved
// rows are silently dropped.
type FollowupSendItem struct {
	ContactID int64  `json:"contact_id"`
	Message   string `json:"message"`
	Send      bool   `json:"send"`
}

// TodayBatch returns today's batch, generating it on first call. The
// generated selection and the contacts' last_shown_at stamps are
// persisted in one transaction, so a crash never half-burns a cooldown.
// Days with no eligible contacts persist nothing and recompute on the
// next call.
func (s *Service) TodayBatch(ctx context.Context) (Today, error) {
	today := s.now().Format(dateLayout)

	b, err := s.store.GetBatchByDate(ctx, today, store.BatchInitial)
	if err == nil && len(b.Entries) > 0 {
		return s.renderToday(ctx, today, b)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Today{}, err
	}

	cutoff := s.now().Add(-s.cooldown)
	candidates, err := s.store.BatchCandidates(ctx, cutoff, s.batchSize)
	if err != nil {
		return Today{}, err
	}
	if len(candidates) == 0 {
		return Today{BatchDate: today, Contacts: []ContactEntry{}}, nil
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	nb := store.DailyBatch{BatchDate: today, Type: store.BatchInitial}
	if err := s.store.CreateBatchWithEntries(ctx, &nb, ids, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another request generated the batch first; serve that one.
			existing, gerr := s.store.GetBatchByDate(ctx, today, store.BatchInitial)
			if gerr != nil {
				return Today{}, gerr
			}
			return s.renderToday(ctx, today, existing)
		}
		return Today{}, err
	}
	log.Printf("batch: generated today's batch with %d contacts", len(candidates))

	out := Today{BatchDate: today, Contacts: make([]ContactEntry, 0, len(candidates))}
	for _, c := range candidates {
		out.Contacts = append(out.Contacts, ContactEntry{
			Contact:          c,
			SuggestedMessage: outreach.BuildInitialMessage(c.FirstName, c.Company, c.Industry),
		})
	}
	return out, nil
}

func (s *Service) renderToday(ctx context.Context, today string, b store.DailyBatch) (Today, error) {
	out := Today{BatchDate: today, Contacts: make([]ContactEntry, 0, len(b.Entries))}
	for _, e := range b.Entries {
		c, err := s.store.GetContact(ctx, e.ContactID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return Today{}, err
		}
		out.Contacts = append(out.Contacts, ContactEntry{
			Contact:          c,
			Selected:         e.Selected,
			SuggestedMessage: outreach.BuildInitialMessage(c.FirstName, c.Company, c.Industry),
			MessageID:        e.MessageID,
		})
	}
	return out, nil
}

// Followups lists contacts whose initial message went out exactly two
// calendar days ago (UTC) and who have not replied. The list is
// recomputed on every call; nothing about it is persisted.
func (s *Service) Followups(ctx context.Context) (FollowupBatch, error) {
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -2)
	dayEnd := dayStart.Add(24 * time.Hour)

	cands, err := s.store.FollowupCandidates(ctx, dayStart, dayEnd)
	if err != nil {
		return FollowupBatch{}, err
	}
	out := FollowupBatch{Contacts: make([]FollowupItem, 0, len(cands))}
	for _, fc := range cands {
		out.Contacts = append(out.Contacts, FollowupItem{
			Contact:             fc.Contact,
			OriginalMessageDate: fc.SentAt,
			SuggestedFollowup:   outreach.BuildFollowupMessage(fc.Contact.FirstName),
		})
	}
	return out, nil
}

// QueueInitialMessages persists the approved messages as queued rows,
// links them to today's batch entries, and hands the worker one
// send_messages job covering all of them.
func (s *Service) QueueInitialMessages(ctx context.Context, items []SendItem) (jobs.Job, error) {
	today := s.now().Format(dateLayout)
	batch, batchErr := s.store.GetBatchByDate(ctx, today, store.BatchInitial)

	var ids []int64
	for _, item := range items {
		if _, err := s.store.GetContact(ctx, item.ContactID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return jobs.Job{}, err
		}
		m := store.Message{
			ContactID:   item.ContactID,
			Type:        store.MessageInitial,
			Content:     item.Message,
			AttachVideo: item.AttachVideo,
			Status:      store.MessageQueued,
		}
		if err := s.store.CreateMessage(ctx, &m); err != nil {
			return jobs.Job{}, err
		}
		ids = append(ids, m.ID)
		if batchErr == nil {
			if err := s.store.SetEntryMessage(ctx, batch.ID, item.ContactID, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return jobs.Job{}, err
			}
		}
	}
	log.Printf("batch: queued %d initial messages", len(ids))
	return s.enqueue(jobs.TypeSendMessages, ids)
}

// QueueFollowups persists approved follow-ups as queued rows and enqueues
// one send_followups job. Follow-ups never attach the video.
func (s *Service) QueueFollowups(ctx context.Context, items []FollowupSendItem) (jobs.Job, error) {
	var ids []int64
	for _, item := range items {
		if !item.Send {
			continue
		}
		if _, err := s.store.GetContact(ctx, item.ContactID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return jobs.Job{}, err
		}
		m := store.Message{
			ContactID: item.ContactID,
			Type:      store.MessageFollowup,
			Content:   item.Message,
			Status:    store.MessageQueued,
		}
		if err := s.store.CreateMessage(ctx, &m); err != nil {
			return jobs.Job{}, err
		}
		ids = append(ids, m.ID)
	}
	log.Printf("batch: queued %d follow-up messages", len(ids))
	return s.enqueue(jobs.TypeSendFollowups, ids)
}

func (s *Service) enqueue(typ jobs.Type, messageIDs []int64) (jobs.Job, error) {
	job, err := s.registry.Register(typ, jobs.Payload{MessageIDs: messageIDs})
	if err != nil {
		return jobs.Job{}, err
	}
	s.registry.SetProgress(job.ID, 0, len(messageIDs), "")
	if err := s.queue.Enqueue(job.ID); err != nil {
		_, _ = s.registry.Fail(job.ID, err.Error())
		return jobs.Job{}, err
	}
	return s.registry.Get(job.ID)
}
