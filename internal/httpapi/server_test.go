package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minutely/outreach/internal/automation"
	"github.com/minutely/outreach/internal/batch"
	"github.com/minutely/outreach/internal/classify"
	"github.com/minutely/outreach/internal/config"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/jobs"
	"github.com/minutely/outreach/internal/observability"
	"github.com/minutely/outreach/internal/outreach"
	"github.com/minutely/outreach/internal/session"
	"github.com/minutely/outreach/internal/store"
	"github.com/minutely/outreach/internal/worker"
)

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	sessions *session.Manager
	registry *jobs.Registry
	queue    *jobs.Queue
	driver   *automation.MockDriver
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg := jobs.NewRegistry(50)
	q := jobs.NewQueue(16)
	gov := governor.New(time.Millisecond, 2*time.Millisecond, 20)
	drv := automation.NewMockDriver()
	sessions := session.NewManager(automation.NewMockFactory(drv), "")
	runner := outreach.NewRunner(st, gov, classify.Static{}, outreach.Config{DailyLimit: 20})
	wrk := worker.New(q, reg, sessions, st, gov, runner, "")
	batches := batch.NewService(st, reg, q, 10, 60)
	window := observability.NewTimingWindow(64)

	srv := New(config.Config{}, st, sessions, batches, reg, q, gov, wrk, window)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, store: st, sessions: sessions, registry: reg, queue: q, driver: drv, ts: ts}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func seedContact(t *testing.T, st *store.MemoryStore, id string, mutate func(*store.Contact)) store.Contact {
	t.Helper()
	c := store.Contact{
		LinkedInID:    id,
		ProfileURL:    "https://www.linkedin.com/in/" + id,
		FullName:      id + " example",
		FirstName:     id,
		Industry:      "Sports",
		SequenceState: store.StateNew,
	}
	if mutate != nil {
		mutate(&c)
	}
	if err := st.CreateContact(context.Background(), &c); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	return c
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	resp, body = f.get(t, "/readyz")
	if resp.StatusCode != http.StatusOK || body["worker_running"] != false {
		t.Fatalf("readyz: %d %v", resp.StatusCode, body)
	}
}

func TestStatusReflectsSession(t *testing.T) {
	f := newFixture(t)

	_, body := f.get(t, "/api/linkedin/status")
	if body["session_state"] != string(session.StateStopped) || body["browser_connected"] != false {
		t.Fatalf("cold status: %v", body)
	}

	if _, err := f.sessions.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	resp, body := f.get(t, "/api/linkedin/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	if body["session_state"] != string(session.StateReady) || body["browser_connected"] != true {
		t.Fatalf("ready status: %v", body)
	}
	if body["daily_limit"] != float64(20) {
		t.Fatalf("daily_limit = %v", body["daily_limit"])
	}
}

func TestLoginEnqueuesJob(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/linkedin/login", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" || body["type"] != string(jobs.TypeLogin) || body["status"] != string(jobs.StatusQueued) {
		t.Fatalf("job snapshot: %v", body)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", f.queue.Len())
	}

	resp, got := f.get(t, "/api/linkedin/job/"+id)
	if resp.StatusCode != http.StatusOK || got["id"] != id {
		t.Fatalf("job lookup: %d %v", resp.StatusCode, got)
	}
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/linkedin/job/nope")
	if resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestCredentialLoginValidation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/linkedin/credential-login", map[string]string{"email": ""})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestCredentialLoginConnects(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/linkedin/credential-login",
		map[string]string{"email": "ops@example.com", "password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["outcome"] != string(session.OutcomeConnected) || body["state"] != string(session.StateReady) {
		t.Fatalf("login response: %v", body)
	}
}

func TestVerifyWithoutBrowserConflicts(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/linkedin/verify", map[string]string{"code": "123456"})
	if resp.StatusCode != http.StatusConflict || body["code"] != "no_browser" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestCheckLogin(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/linkedin/check-login", nil)
	if resp.StatusCode != http.StatusConflict || body["code"] != "no_browser" {
		t.Fatalf("no browser: %d %v", resp.StatusCode, body)
	}

	if _, err := f.sessions.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	resp, body = f.do(t, http.MethodPost, "/api/linkedin/check-login", nil)
	if resp.StatusCode != http.StatusOK || body["logged_in"] != true {
		t.Fatalf("ready check: %d %v", resp.StatusCode, body)
	}
}

func TestTodayBatchAndSend(t *testing.T) {
	f := newFixture(t)
	c := seedContact(t, f.store, "alice", func(c *store.Contact) {
		c.IsConnected = true
		c.ConnectionStatus = store.ConnectionConnected
		c.SequenceState = store.StateConnected
	})

	resp, body := f.get(t, "/api/batches/today")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("today: %d", resp.StatusCode)
	}
	contacts, _ := body["contacts"].([]any)
	if len(contacts) != 1 {
		t.Fatalf("today contacts = %d, want 1", len(contacts))
	}

	resp, job := f.do(t, http.MethodPost, "/api/batches/today/send", map[string]any{
		"messages": []map[string]any{
			{"contact_id": c.ID, "message": "Hi Alice!", "attach_video": true},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: %d %v", resp.StatusCode, job)
	}
	if job["type"] != string(jobs.TypeSendMessages) || job["total"] != float64(1) {
		t.Fatalf("send job: %v", job)
	}

	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{ContactID: c.ID})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages: %v %d", err, len(msgs))
	}
	if msgs[0].Status != store.MessageQueued || !msgs[0].AttachVideo {
		t.Fatalf("queued message: %+v", msgs[0])
	}
}

func TestSendTodayRejectsEmptyBody(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/batches/today/send", map[string]any{"messages": []any{}})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestFollowupsEndpoint(t *testing.T) {
	f := newFixture(t)
	c := seedContact(t, f.store, "bob", func(c *store.Contact) {
		c.IsConnected = true
		c.SequenceState = store.StateConnected
	})
	sentAt := time.Now().UTC().AddDate(0, 0, -2)
	m := store.Message{ContactID: c.ID, Type: store.MessageInitial, Content: "hi", Status: store.MessageSent, SentAt: &sentAt}
	if err := f.store.CreateMessage(context.Background(), &m); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp, body := f.get(t, "/api/batches/followups")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("followups: %d", resp.StatusCode)
	}
	contacts, _ := body["contacts"].([]any)
	if len(contacts) != 1 {
		t.Fatalf("followup contacts = %d, want 1", len(contacts))
	}

	resp, job := f.do(t, http.MethodPost, "/api/batches/followups/send", map[string]any{
		"messages": []map[string]any{
			{"contact_id": c.ID, "message": "Just checking in", "send": true},
		},
	})
	if resp.StatusCode != http.StatusAccepted || job["type"] != string(jobs.TypeSendFollowups) {
		t.Fatalf("followup send: %d %v", resp.StatusCode, job)
	}
}

func TestContactEndpoints(t *testing.T) {
	f := newFixture(t)
	a := seedContact(t, f.store, "alice", func(c *store.Contact) {
		c.IsConnected = true
		c.SequenceState = store.StateConnected
	})
	seedContact(t, f.store, "bob", nil)

	resp, body := f.get(t, "/api/contacts?connected=true")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("filtered list: %d %v", resp.StatusCode, body["count"])
	}

	resp, stats := f.get(t, "/api/contacts/stats")
	if resp.StatusCode != http.StatusOK || stats["total"] != float64(2) || stats["connected"] != float64(1) {
		t.Fatalf("stats: %d %v", resp.StatusCode, stats)
	}

	resp, got := f.get(t, fmt.Sprintf("/api/contacts/%d", a.ID))
	if resp.StatusCode != http.StatusOK || got["linkedin_id"] != "alice" {
		t.Fatalf("get contact: %d %v", resp.StatusCode, got)
	}

	resp, body = f.get(t, "/api/contacts/999")
	if resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("missing contact: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/contacts/zero")
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "invalid_id" {
		t.Fatalf("bad id: %d %v", resp.StatusCode, body)
	}
}

func TestUpdateContact(t *testing.T) {
	f := newFixture(t)
	a := seedContact(t, f.store, "alice", func(c *store.Contact) {
		c.SequenceState = store.StateConnected
	})

	resp, got := f.do(t, http.MethodPut, fmt.Sprintf("/api/contacts/%d", a.ID), map[string]any{
		"industry":       "News",
		"tags":           "priority",
		"sequence_state": string(store.StateMessage1Sent),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, got)
	}
	if got["industry"] != "News" || got["tags"] != "priority" || got["sequence_state"] != string(store.StateMessage1Sent) {
		t.Fatalf("updated contact: %v", got)
	}

	// Backward moves are rejected.
	resp, body := f.do(t, http.MethodPut, fmt.Sprintf("/api/contacts/%d", a.ID), map[string]any{
		"sequence_state": string(store.StateNew),
	})
	if resp.StatusCode != http.StatusConflict || body["code"] != "invalid_transition" {
		t.Fatalf("backward move: %d %v", resp.StatusCode, body)
	}
}

func TestMessageEndpoints(t *testing.T) {
	f := newFixture(t)
	c := seedContact(t, f.store, "alice", nil)
	m := store.Message{ContactID: c.ID, Type: store.MessageInitial, Content: "hello", Status: store.MessageQueued}
	if err := f.store.CreateMessage(context.Background(), &m); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp, body := f.get(t, fmt.Sprintf("/api/messages?contact_id=%d", c.ID))
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list messages: %d %v", resp.StatusCode, body)
	}

	resp, got := f.get(t, fmt.Sprintf("/api/messages/%d", m.ID))
	if resp.StatusCode != http.StatusOK || got["content"] != "hello" {
		t.Fatalf("get message: %d %v", resp.StatusCode, got)
	}

	resp, tpl := f.get(t, "/api/messages/templates?type=initial")
	if resp.StatusCode != http.StatusOK || tpl["count"] != float64(4) {
		t.Fatalf("templates: %d %v", resp.StatusCode, tpl)
	}
}

func TestJobEventsWebsocket(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/jobs/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	job, err := f.registry.Register(jobs.TypeLogin, jobs.Payload{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt jobs.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != jobs.EventJobQueued || evt.JobID != job.ID {
		t.Fatalf("event = %+v", evt)
	}
}
