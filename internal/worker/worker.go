// Package worker runs the single consumer loop that executes browser
// jobs. One loop, one browser: every job type that touches the page runs
// serialized through here.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/minutely/outreach/internal/automation"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/jobs"
	"github.com/minutely/outreach/internal/outreach"
	"github.com/minutely/outreach/internal/session"
	"github.com/minutely/outreach/internal/store"
)

const pollInterval = time.Second

type Worker struct {
	queue    *jobs.Queue
	registry *jobs.Registry
	session  *session.Manager
	store    store.Store
	gov      *governor.Governor
	runner   *outreach.Runner

	videoPath string

	// onMessage reports each message reaching a terminal status, wired to
	// metrics by the composition root.
	onMessage func(typ store.MessageType, status store.MessageStatus)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(q *jobs.Queue, reg *jobs.Registry, sess *session.Manager, st store.Store, gov *governor.Governor, runner *outreach.Runner, videoPath string) *Worker {
	return &Worker{
		queue:     q,
		registry:  reg,
		session:   sess,
		store:     st,
		gov:       gov,
		runner:    runner,
		videoPath: videoPath,
	}
}

func (w *Worker) SetMessageHook(fn func(typ store.MessageType, status store.MessageStatus)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

func (w *Worker) emitMessage(typ store.MessageType, status store.MessageStatus) {
	w.mu.Lock()
	fn := w.onMessage
	w.mu.Unlock()
	if fn != nil {
		fn(typ, status)
	}
}

// Start launches the processing loop. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	done := make(chan struct{})
	w.done = done
	go w.loop(loopCtx, done)
	log.Printf("worker: started")
}

// Stop halts the loop, waits for the in-flight job to finish (jobs are
// never preempted mid-action) and closes the browser session. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := w.session.Close(); err != nil {
		log.Printf("worker: close session: %v", err)
	}
	log.Printf("worker: stopped")
}

// Running reports whether the processing loop is up.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		id, ok := w.queue.Dequeue(ctx, pollInterval)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.process(ctx, id)
	}
}

func (w *Worker) process(ctx context.Context, jobID string) {
	job, err := w.registry.MarkRunning(jobID)
	if err != nil {
		log.Printf("worker: job %s: %v", jobID, err)
		return
	}
	log.Printf("worker: processing job %s (%s)", job.ID, job.Type)
	defer w.registry.Cleanup()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: job %s panicked: %v", job.ID, r)
			_, _ = w.registry.Fail(job.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := w.execute(ctx, job); err != nil {
		_, _ = w.registry.Fail(job.ID, err.Error())
		return
	}
	// Handlers may have failed the job themselves.
	if cur, err := w.registry.Get(job.ID); err == nil && !cur.Terminal() {
		_, _ = w.registry.Complete(job.ID, "")
	}
}

func (w *Worker) execute(ctx context.Context, job jobs.Job) error {
	if job.Type == jobs.TypeLogin {
		return w.login(ctx)
	}

	// The session operation lock is held for the whole job, so a login or
	// verification call arriving mid-job is rejected instead of driving
	// the same browser between two of our actions.
	return w.session.WithDriver(func(drv automation.Driver) error {
		switch job.Type {
		case jobs.TypeSendMessages, jobs.TypeSendFollowups:
			return w.sendMessages(ctx, drv, job)
		case jobs.TypeScrapeConnections:
			return w.scrapeConnections(ctx, drv, job)
		case jobs.TypeRunSequence:
			return w.runSequence(ctx, drv, job)
		default:
			return fmt.Errorf("unhandled job type %q", job.Type)
		}
	})
}

func (w *Worker) login(ctx context.Context) error {
	state, err := w.session.Launch(ctx)
	if err != nil {
		return err
	}
	if state != session.StateReady {
		// Not an error: the operator finishes the login in the browser
		// and the UI polls check-login.
		log.Printf("worker: login launched, session state %s", state)
	}
	return nil
}

// sendMessages delivers the queued message rows of the job payload. Each
// row transitions queued->sending->sent|failed, committed before the next
// one is touched. A security challenge aborts the whole job.
func (w *Worker) sendMessages(ctx context.Context, drv automation.Driver, job jobs.Job) error {
	ids := job.Payload.MessageIDs
	total := len(ids)
	done := 0
	w.registry.SetProgress(job.ID, done, total, "")

	for _, mid := range ids {
		m, err := w.store.GetMessage(ctx, mid)
		if err != nil {
			done++
			w.registry.SetProgress(job.ID, done, total, "")
			continue
		}
		c, err := w.store.GetContact(ctx, m.ContactID)
		if err != nil {
			done++
			w.registry.SetProgress(job.ID, done, total, "")
			continue
		}
		if err := w.store.UpdateMessageStatus(ctx, mid, store.MessageSending, "", nil); err != nil {
			// A row already sent or failed (re-enqueued job, double-approved
			// message) is skipped like a missing one, not a job failure.
			if errors.Is(err, store.ErrInvalidTransition) {
				done++
				w.registry.SetProgress(job.ID, done, total, "")
				continue
			}
			return err
		}

		if err := drv.Navigate(ctx, c.ProfileURL); err != nil {
			if err := w.store.UpdateMessageStatus(ctx, mid, store.MessageFailed, "failed to navigate to profile", nil); err != nil {
				return err
			}
			w.emitMessage(m.Type, store.MessageFailed)
			done++
			w.registry.SetProgress(job.ID, done, total, c.FullName)
			continue
		}
		if err := w.gov.Sleep(ctx); err != nil {
			return err
		}

		if drv.DetectChallenge() {
			if err := w.store.UpdateMessageStatus(ctx, mid, store.MessageFailed, "security challenge detected", nil); err != nil {
				return err
			}
			w.emitMessage(m.Type, store.MessageFailed)
			w.gov.TripChallenge()
			return governor.ErrSecurityChallenge
		}

		video := ""
		if m.AttachVideo && fileExists(w.videoPath) {
			video = w.videoPath
		}
		if err := drv.SendMessage(ctx, m.Content, video); err != nil {
			if uerr := w.store.UpdateMessageStatus(ctx, mid, store.MessageFailed, err.Error(), nil); uerr != nil {
				return uerr
			}
			w.emitMessage(m.Type, store.MessageFailed)
			log.Printf("worker: message %d to %s failed: %v", mid, c.FullName, err)
		} else {
			now := time.Now().UTC()
			if err := w.store.UpdateMessageStatus(ctx, mid, store.MessageSent, "", &now); err != nil {
				return err
			}
			c.LastMessagedAt = &now
			if err := w.store.UpdateContact(ctx, &c); err != nil {
				return err
			}
			w.emitMessage(m.Type, store.MessageSent)
			log.Printf("worker: message sent to %s", c.FullName)
		}

		done++
		w.registry.SetProgress(job.ID, done, total, c.FullName)
		if done < total {
			if err := w.gov.Sleep(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// scrapeConnections walks the connections list and upserts every profile
// found. Existing contacts are marked connected; new ones enter the store
// already in the Connected sequence state.
func (w *Worker) scrapeConnections(ctx context.Context, drv automation.Driver, job jobs.Job) error {
	conns, err := drv.ScrapeConnections(ctx, func(found int) {
		w.registry.SetProgress(job.ID, 0, found, "scanning connections")
	})
	if err != nil {
		return err
	}

	total := len(conns)
	added, done := 0, 0
	for _, conn := range conns {
		linkedinID := store.LinkedInIDFromURL(conn.ProfileURL)
		if linkedinID == "" {
			done++
			continue
		}

		existing, err := w.store.GetContactByLinkedInID(ctx, linkedinID)
		switch {
		case err == nil:
			existing.IsConnected = true
			existing.ConnectionStatus = store.ConnectionConnected
			if conn.Title != "" && existing.Title == "" {
				existing.Title = conn.Title
			}
			if err := w.store.UpdateContact(ctx, &existing); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			c := store.Contact{
				LinkedInID:       linkedinID,
				ProfileURL:       conn.ProfileURL,
				FullName:         conn.FullName,
				FirstName:        firstWord(conn.FullName),
				Title:            conn.Title,
				Industry:         "Unknown",
				IsConnected:      true,
				ConnectionStatus: store.ConnectionConnected,
				SequenceState:    store.StateConnected,
			}
			if err := w.store.CreateContact(ctx, &c); err != nil {
				return err
			}
			added++
		default:
			return err
		}
		done++
		w.registry.SetProgress(job.ID, done, total, "")
	}
	log.Printf("worker: scrape complete, %d connections found, %d new contacts", total, added)
	return nil
}

// runSequence executes a full outreach pass over the actionable contacts.
func (w *Worker) runSequence(ctx context.Context, drv automation.Driver, job jobs.Job) error {
	actions, err := w.runner.Run(ctx, drv, func(done, total int) {
		w.registry.SetProgress(job.ID, done, total, "")
	})
	if err != nil {
		return err
	}
	_, _ = w.registry.Complete(job.ID, fmt.Sprintf("%d actions taken", actions))
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
