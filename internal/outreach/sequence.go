// Package outreach drives the per-contact outreach sequence:
//
//	New -> ConnectionSent -> Connected -> Message1Sent -> Message2Sent
//
// with Replied and Error as the off-ramps. Every transition is committed
// to the store before the next browser action, so a crash mid-run never
// repeats an action already taken.
package outreach

import (
	"context"
	"log"
	"time"

	"github.com/minutely/outreach/internal/automation"
	"github.com/minutely/outreach/internal/classify"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/store"
)

type Config struct {
	// DailyLimit caps the number of contacts considered per run.
	DailyLimit int
	// ConnectCooldown is the minimum wait between a connection being
	// accepted and message 1 going out.
	ConnectCooldown time.Duration
	// ReplyCooldown is how long message 1 gets to draw a reply before
	// the nudge is sent.
	ReplyCooldown time.Duration
	// VideoPath, when set, is attached to message 1.
	VideoPath string
}

func (c *Config) applyDefaults() {
	if c.DailyLimit <= 0 {
		c.DailyLimit = 20
	}
	if c.ConnectCooldown <= 0 {
		c.ConnectCooldown = 2 * time.Hour
	}
	if c.ReplyCooldown <= 0 {
		c.ReplyCooldown = 72 * time.Hour
	}
}

// Runner executes sequence passes. It owns no browser; the caller hands
// in the driver for the run.
type Runner struct {
	store      store.Store
	gov        *governor.Governor
	classifier classify.Classifier
	cfg        Config

	now func() time.Time
}

func NewRunner(st store.Store, gov *governor.Governor, cls classify.Classifier, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:      st,
		gov:        gov,
		classifier: cls,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Actionable filters contacts that need work right now, respecting the
// cooldowns, and caps the list at the daily limit.
//
//	New            always actionable
//	ConnectionSent always actionable (re-check acceptance)
//	Connected      actionable once ConnectCooldown has passed
//	Message1Sent   actionable once ReplyCooldown has passed
//
// Terminal states (Message2Sent, Replied, Error) are never actionable.
func (r *Runner) Actionable(contacts []store.Contact, now time.Time) []store.Contact {
	var out []store.Contact
	for _, c := range contacts {
		switch c.SequenceState {
		case store.StateNew, store.StateConnectionSent:
			out = append(out, c)
		case store.StateConnected:
			if olderThan(c.LastContactAt, now, r.cfg.ConnectCooldown) {
				out = append(out, c)
			}
		case store.StateMessage1Sent:
			if olderThan(c.LastContactAt, now, r.cfg.ReplyCooldown) {
				out = append(out, c)
			}
		}
		if len(out) >= r.cfg.DailyLimit {
			break
		}
	}
	return out
}

// olderThan treats a missing timestamp as old enough to act.
func olderThan(t *time.Time, now time.Time, d time.Duration) bool {
	if t == nil {
		return true
	}
	return now.Sub(*t) > d
}

// Run executes one full sequence pass. It returns the number of actions
// taken. The error is non-nil only for run-aborting conditions: context
// cancellation, a security challenge, or a persistence failure. Per-lead
// failures park the contact in Error and the pass continues.
func (r *Runner) Run(ctx context.Context, drv automation.Driver, progress func(done, total int)) (int, error) {
	contacts, err := r.store.ListContacts(ctx, store.ContactFilter{})
	if err != nil {
		return 0, err
	}
	actionable := r.Actionable(contacts, r.now())
	log.Printf("outreach: %d actionable contacts (limit %d)", len(actionable), r.cfg.DailyLimit)

	r.gov.Reset()
	for i := range actionable {
		if r.gov.CapReached() {
			log.Printf("outreach: daily action cap reached (%d), stopping", r.gov.Limit())
			break
		}
		if err := r.ProcessContact(ctx, drv, &actionable[i]); err != nil {
			return r.gov.ActionCount(), err
		}
		if progress != nil {
			progress(i+1, len(actionable))
		}
	}
	return r.gov.ActionCount(), nil
}

// ProcessContact advances one contact by at most one sequence step.
func (r *Runner) ProcessContact(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	log.Printf("outreach: processing %s (%s) state=%s", c.FullName, c.ProfileURL, c.SequenceState)

	if err := drv.Navigate(ctx, c.ProfileURL); err != nil {
		log.Printf("outreach: navigate %s: %v", c.ProfileURL, err)
		return r.setState(ctx, c, store.StateError, false)
	}
	if err := r.gov.Sleep(ctx); err != nil {
		return err
	}

	if drv.DetectChallenge() {
		log.Printf("outreach: security challenge on %s, aborting run", c.ProfileURL)
		r.gov.TripChallenge()
		return governor.ErrSecurityChallenge
	}

	if err := r.enrichContact(ctx, drv, c); err != nil {
		return err
	}

	switch c.SequenceState {
	case store.StateNew:
		return r.handleNew(ctx, drv, c)
	case store.StateConnectionSent:
		return r.handleConnectionSent(ctx, drv, c)
	case store.StateConnected:
		return r.handleConnected(ctx, drv, c)
	case store.StateMessage1Sent:
		return r.handleMessage1Sent(ctx, drv, c)
	default:
		log.Printf("outreach: skipping %s in state %s", c.FullName, c.SequenceState)
		return nil
	}
}

// enrichContact scrapes and classifies profiles we have no industry for
// yet. The result is persisted immediately so a later crash never pays
// for the same classification twice.
func (r *Runner) enrichContact(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	if c.Industry != "" && c.Industry != classify.IndustryUnknown {
		return nil
	}
	if c.About != "" || c.Experience != "" {
		// Already scraped and classified; Unknown was the real answer.
		return nil
	}

	if c.FullName == "" {
		if name := drv.ScrapeName(); name != "" {
			c.FullName = name
			c.FirstName = firstWord(name)
		}
	}
	c.About = drv.ScrapeAbout()
	experience, company := drv.ScrapeExperience()
	c.Experience = experience
	if company != "" && c.Company == "" {
		c.Company = company
	}

	c.Industry = r.classifier.Classify(ctx, c.About, c.Experience, c.FullName)
	log.Printf("outreach: classified %s as %s", c.FullName, c.Industry)
	return r.store.UpdateContact(ctx, c)
}

func (r *Runner) handleNew(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	note := BuildConnectionNote(c.FirstName, c.Company, c.Industry)
	switch result := drv.SendConnectionRequest(ctx, note); result {
	case automation.ConnectSent:
		if err := r.setState(ctx, c, store.StateConnectionSent, true); err != nil {
			return err
		}
		return r.recordAction(ctx, "connection request sent to "+c.FullName)

	case automation.ConnectAlreadyConnected:
		c.IsConnected = true
		c.ConnectionStatus = store.ConnectionConnected
		log.Printf("outreach: already connected with %s", c.FullName)
		return r.setState(ctx, c, store.StateConnected, true)

	case automation.ConnectAlreadyPending:
		log.Printf("outreach: connection already pending for %s", c.FullName)
		c.ConnectionStatus = store.ConnectionPending
		return r.setState(ctx, c, store.StateConnectionSent, false)

	default:
		log.Printf("outreach: connection request to %s failed (%s)", c.FullName, result)
		return r.setState(ctx, c, store.StateError, false)
	}
}

func (r *Runner) handleConnectionSent(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	if !drv.IsConnected() {
		log.Printf("outreach: connection still pending for %s", c.FullName)
		return nil
	}
	log.Printf("outreach: %s accepted the connection request", c.FullName)
	c.IsConnected = true
	c.ConnectionStatus = store.ConnectionConnected
	// Message 1 waits for the connect cooldown; the next pass sends it.
	return r.setState(ctx, c, store.StateConnected, true)
}

func (r *Runner) handleConnected(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	text := BuildMessage1(c.FirstName, c.Company, c.Industry)
	if err := drv.SendMessage(ctx, text, r.cfg.VideoPath); err != nil {
		log.Printf("outreach: message 1 to %s failed: %v", c.FullName, err)
		return r.setState(ctx, c, store.StateError, false)
	}
	if err := r.recordSent(ctx, c, store.MessageInitial, text, r.cfg.VideoPath != ""); err != nil {
		return err
	}
	if err := r.setState(ctx, c, store.StateMessage1Sent, true); err != nil {
		return err
	}
	return r.recordAction(ctx, "message 1 sent to "+c.FullName)
}

func (r *Runner) handleMessage1Sent(ctx context.Context, drv automation.Driver, c *store.Contact) error {
	if drv.CheckForReply(ctx) {
		log.Printf("outreach: %s replied, marking for manual follow-up", c.FullName)
		c.HasReplied = true
		return r.setState(ctx, c, store.StateReplied, false)
	}

	text := BuildMessage2(c.FirstName)
	if err := drv.SendMessage(ctx, text, ""); err != nil {
		log.Printf("outreach: message 2 to %s failed: %v", c.FullName, err)
		return r.setState(ctx, c, store.StateError, false)
	}
	if err := r.recordSent(ctx, c, store.MessageFollowup, text, false); err != nil {
		return err
	}
	if err := r.setState(ctx, c, store.StateMessage2Sent, true); err != nil {
		return err
	}
	return r.recordAction(ctx, "message 2 sent to "+c.FullName)
}

// setState persists the transition before anything else happens. stamp
// records the contact time, which the cooldowns key off.
func (r *Runner) setState(ctx context.Context, c *store.Contact, next store.SequenceState, stamp bool) error {
	c.SequenceState = next
	if stamp {
		t := r.now()
		c.LastContactAt = &t
	}
	return r.store.UpdateContact(ctx, c)
}

// recordSent writes the audit row for a message that already went out.
func (r *Runner) recordSent(ctx context.Context, c *store.Contact, typ store.MessageType, content string, withVideo bool) error {
	now := r.now()
	c.LastMessagedAt = &now
	m := store.Message{
		ContactID:   c.ID,
		Type:        typ,
		Content:     content,
		AttachVideo: withVideo,
		Status:      store.MessageSent,
		SentAt:      &now,
	}
	return r.store.CreateMessage(ctx, &m)
}

func (r *Runner) recordAction(ctx context.Context, what string) error {
	r.gov.RecordAction()
	log.Printf("outreach: action %d/%d: %s", r.gov.ActionCount(), r.gov.Limit(), what)
	if r.gov.CapReached() {
		return nil
	}
	return r.gov.Sleep(ctx)
}

func firstWord(s string) string {
	for i, ch := range s {
		if ch == ' ' {
			return s[:i]
		}
	}
	return s
}
