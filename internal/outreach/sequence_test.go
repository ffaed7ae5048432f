package outreach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minutely/outreach/internal/automation"
	"github.com/minutely/outreach/internal/classify"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/store"
)

func newTestRunner(t *testing.T, limit int) (*Runner, *store.MemoryStore, *automation.MockDriver) {
	t.Helper()
	st := store.NewMemoryStore()
	gov := governor.New(time.Millisecond, 2*time.Millisecond, limit)
	r := NewRunner(st, gov, classify.Static{}, Config{
		DailyLimit: limit,
		VideoPath:  "demo.mp4",
	})
	return r, st, automation.NewMockDriver()
}

func seedContact(t *testing.T, st *store.MemoryStore, id string, state store.SequenceState, lastContact *time.Time) store.Contact {
	t.Helper()
	c := store.Contact{
		LinkedInID:    id,
		ProfileURL:    "https://www.linkedin.com/in/" + id,
		FullName:      "Jane Doe",
		FirstName:     "Jane",
		Company:       "Acme Media",
		Industry:      classify.IndustrySports,
		SequenceState: state,
		LastContactAt: lastContact,
	}
	if err := st.CreateContact(context.Background(), &c); err != nil {
		t.Fatalf("seed contact %s: %v", id, err)
	}
	return c
}

func ago(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

func TestActionableRespectsCooldowns(t *testing.T) {
	r, st, _ := newTestRunner(t, 20)
	now := time.Now().UTC()

	seedContact(t, st, "new", store.StateNew, nil)
	seedContact(t, st, "pending", store.StateConnectionSent, ago(10*time.Minute))
	seedContact(t, st, "fresh-connect", store.StateConnected, ago(time.Hour))
	seedContact(t, st, "cooled-connect", store.StateConnected, ago(3*time.Hour))
	seedContact(t, st, "fresh-msg1", store.StateMessage1Sent, ago(24*time.Hour))
	seedContact(t, st, "cooled-msg1", store.StateMessage1Sent, ago(96*time.Hour))
	seedContact(t, st, "no-date-connect", store.StateConnected, nil)
	seedContact(t, st, "done", store.StateMessage2Sent, ago(time.Hour))
	seedContact(t, st, "replied", store.StateReplied, ago(time.Hour))
	seedContact(t, st, "error", store.StateError, nil)

	contacts, err := st.ListContacts(context.Background(), store.ContactFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := map[string]bool{}
	for _, c := range r.Actionable(contacts, now) {
		got[c.LinkedInID] = true
	}
	want := []string{"new", "pending", "cooled-connect", "cooled-msg1", "no-date-connect"}
	if len(got) != len(want) {
		t.Fatalf("expected %d actionable, got %v", len(want), got)
	}
	for _, id := range want {
		if !got[id] {
			t.Errorf("expected %s actionable", id)
		}
	}
}

func TestActionableCapsAtDailyLimit(t *testing.T) {
	r, st, _ := newTestRunner(t, 3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedContact(t, st, id, store.StateNew, nil)
	}
	contacts, _ := st.ListContacts(context.Background(), store.ContactFilter{})
	if got := len(r.Actionable(contacts, time.Now().UTC())); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestNewContactGetsConnectionRequest(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateNew, nil)
	drv.Profiles[c.ProfileURL] = automation.MockProfile{ConnectResult: automation.ConnectSent}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateConnectionSent {
		t.Fatalf("expected ConnectionSent, got %s", stored.SequenceState)
	}
	if stored.LastContactAt == nil {
		t.Fatal("contact time was not stamped")
	}
	if r.gov.ActionCount() != 1 {
		t.Fatalf("expected 1 action recorded, got %d", r.gov.ActionCount())
	}
}

func TestNewContactAlreadyConnectedSkipsAhead(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateNew, nil)
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateConnected {
		t.Fatalf("expected Connected, got %s", stored.SequenceState)
	}
	if !stored.IsConnected || stored.ConnectionStatus != store.ConnectionConnected {
		t.Fatal("connection flags not set")
	}
	// No new action was spent.
	if r.gov.ActionCount() != 0 {
		t.Fatalf("expected 0 actions, got %d", r.gov.ActionCount())
	}
}

func TestConnectionAcceptedMovesToConnected(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateConnectionSent, ago(24*time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateConnected {
		t.Fatalf("expected Connected, got %s", stored.SequenceState)
	}
}

func TestConnectionStillPendingLeavesStateAlone(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateConnectionSent, ago(24*time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Pending: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateConnectionSent {
		t.Fatalf("expected ConnectionSent, got %s", stored.SequenceState)
	}
}

func TestConnectedSendsVideoHook(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateConnected, ago(3*time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateMessage1Sent {
		t.Fatalf("expected Message1Sent, got %s", stored.SequenceState)
	}
	if stored.LastMessagedAt == nil {
		t.Fatal("last_messaged_at not stamped")
	}
	msgs, _ := st.ListMessages(context.Background(), store.MessageFilter{ContactID: c.ID})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message row, got %d", len(msgs))
	}
	if msgs[0].Type != store.MessageInitial || msgs[0].Status != store.MessageSent || !msgs[0].AttachVideo {
		t.Fatalf("unexpected message row: %+v", msgs[0])
	}
}

func TestMessage1RepliedStopsSequence(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateMessage1Sent, ago(96*time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true, HasReply: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateReplied || !stored.HasReplied {
		t.Fatalf("expected Replied, got %s replied=%v", stored.SequenceState, stored.HasReplied)
	}
	msgs, _ := st.ListMessages(context.Background(), store.MessageFilter{ContactID: c.ID})
	if len(msgs) != 0 {
		t.Fatalf("no nudge should be sent to a replied contact, got %d rows", len(msgs))
	}
}

func TestMessage1NoReplySendsNudge(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateMessage1Sent, ago(96*time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateMessage2Sent {
		t.Fatalf("expected Message2Sent, got %s", stored.SequenceState)
	}
	msgs, _ := st.ListMessages(context.Background(), store.MessageFilter{ContactID: c.ID})
	if len(msgs) != 1 || msgs[0].Type != store.MessageFollowup || msgs[0].AttachVideo {
		t.Fatalf("expected one text-only followup row, got %+v", msgs)
	}
}

func TestConnectThenWaitForCooldown(t *testing.T) {
	// A contact connected at T is left alone at T+1h and messaged at T+3h.
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateConnected, ago(time.Hour))
	drv.Profiles[c.ProfileURL] = automation.MockProfile{Connected: true}

	contacts, _ := st.ListContacts(context.Background(), store.ContactFilter{})
	if got := r.Actionable(contacts, time.Now().UTC()); len(got) != 0 {
		t.Fatalf("contact should still be cooling down, got %d actionable", len(got))
	}

	c.LastContactAt = ago(3 * time.Hour)
	if err := st.UpdateContact(context.Background(), &c); err != nil {
		t.Fatalf("update: %v", err)
	}
	contacts, _ = st.ListContacts(context.Background(), store.ContactFilter{})
	got := r.Actionable(contacts, time.Now().UTC())
	if len(got) != 1 {
		t.Fatalf("expected 1 actionable, got %d", len(got))
	}
	if err := r.ProcessContact(context.Background(), drv, &got[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateMessage1Sent {
		t.Fatalf("expected Message1Sent, got %s", stored.SequenceState)
	}
}

func TestNavigationFailureParksInError(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	c := seedContact(t, st, "jane", store.StateNew, nil)
	drv.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process should absorb per-lead failures: %v", err)
	}
	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.SequenceState != store.StateError {
		t.Fatalf("expected Error, got %s", stored.SequenceState)
	}
}

func TestSecurityChallengeAbortsRun(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	seedContact(t, st, "a", store.StateNew, nil)
	seedContact(t, st, "b", store.StateNew, nil)
	drv.Challenge = true

	_, err := r.Run(context.Background(), drv, nil)
	if !errors.Is(err, governor.ErrSecurityChallenge) {
		t.Fatalf("expected ErrSecurityChallenge, got %v", err)
	}
	if !r.gov.Challenged() || !r.gov.CapReached() {
		t.Fatal("challenge must latch and burn the budget")
	}
	// Neither contact moved; aborting is not an error state.
	a, _ := st.GetContactByLinkedInID(context.Background(), "a")
	if a.SequenceState != store.StateNew {
		t.Fatalf("contact a moved to %s", a.SequenceState)
	}
}

func TestRunStopsAtActionCap(t *testing.T) {
	r, st, drv := newTestRunner(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		c := seedContact(t, st, id, store.StateNew, nil)
		drv.Profiles[c.ProfileURL] = automation.MockProfile{ConnectResult: automation.ConnectSent}
	}

	actions, err := r.Run(context.Background(), drv, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if actions != 2 {
		t.Fatalf("expected 2 actions, got %d", actions)
	}
	// Only the capped list was touched; one contact is still New. The
	// Actionable cap already trims to the limit, so exactly one survives.
	untouched := 0
	for _, id := range []string{"a", "b", "c"} {
		c, _ := st.GetContactByLinkedInID(context.Background(), id)
		if c.SequenceState == store.StateNew {
			untouched++
		}
	}
	if untouched != 1 {
		t.Fatalf("expected 1 untouched contact, got %d", untouched)
	}
}

func TestLazyClassificationPersists(t *testing.T) {
	st := store.NewMemoryStore()
	gov := governor.New(time.Millisecond, 2*time.Millisecond, 20)
	r := NewRunner(st, gov, classify.Static{Industry: classify.IndustryNews}, Config{DailyLimit: 20})
	drv := automation.NewMockDriver()

	c := store.Contact{
		LinkedInID:    "jane",
		ProfileURL:    "https://www.linkedin.com/in/jane",
		FullName:      "Jane Doe",
		FirstName:     "Jane",
		SequenceState: store.StateNew,
	}
	if err := st.CreateContact(context.Background(), &c); err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.Profiles[c.ProfileURL] = automation.MockProfile{
		About:         "Covers breaking news.",
		Experience:    "Editor at The Daily",
		Company:       "The Daily",
		ConnectResult: automation.ConnectSent,
	}

	if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := st.GetContact(context.Background(), c.ID)
	if stored.Industry != classify.IndustryNews {
		t.Fatalf("expected News, got %q", stored.Industry)
	}
	if stored.About == "" || stored.Company != "The Daily" {
		t.Fatalf("scraped profile data not persisted: %+v", stored)
	}
}

func TestTerminalStatesAreNeverProcessed(t *testing.T) {
	r, st, drv := newTestRunner(t, 20)
	for _, state := range []store.SequenceState{store.StateMessage2Sent, store.StateReplied, store.StateError} {
		c := seedContact(t, st, "c-"+string(state), state, nil)
		if err := r.ProcessContact(context.Background(), drv, &c); err != nil {
			t.Fatalf("process %s: %v", state, err)
		}
		stored, _ := st.GetContact(context.Background(), c.ID)
		if stored.SequenceState != state {
			t.Fatalf("terminal state %s moved to %s", state, stored.SequenceState)
		}
	}
}
