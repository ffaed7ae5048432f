// Package httpapi is the JSON surface in front of the engine. Handlers
// never drive the browser themselves; anything that touches the page is
// registered as a job and picked up by the worker.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/minutely/outreach/internal/batch"
	"github.com/minutely/outreach/internal/config"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/jobs"
	"github.com/minutely/outreach/internal/observability"
	"github.com/minutely/outreach/internal/outreach"
	"github.com/minutely/outreach/internal/session"
	"github.com/minutely/outreach/internal/store"
	"github.com/minutely/outreach/internal/worker"
)

type Server struct {
	cfg      config.Config
	store    store.Store
	sessions *session.Manager
	batches  *batch.Service
	registry *jobs.Registry
	queue    *jobs.Queue
	gov      *governor.Governor
	worker   *worker.Worker
	window   *observability.TimingWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, st store.Store, sessions *session.Manager, batches *batch.Service, reg *jobs.Registry, q *jobs.Queue, gov *governor.Governor, wrk *worker.Worker, window *observability.TimingWindow) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		batches:  batches,
		registry: reg,
		queue:    q,
		gov:      gov,
		worker:   wrk,
		window:   window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot watch job progress if
				// the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/linkedin/status", s.handleStatus)
	r.Post("/api/linkedin/login", s.handleLogin)
	r.Post("/api/linkedin/credential-login", s.handleCredentialLogin)
	r.Post("/api/linkedin/verify", s.handleVerify)
	r.Post("/api/linkedin/check-login", s.handleCheckLogin)
	r.Post("/api/linkedin/scrape-connections", s.handleScrapeConnections)
	r.Post("/api/linkedin/run-sequence", s.handleRunSequence)
	r.Get("/api/linkedin/job/{id}", s.handleGetJob)

	r.Get("/api/batches/today", s.handleTodayBatch)
	r.Post("/api/batches/today/send", s.handleSendToday)
	r.Get("/api/batches/followups", s.handleFollowups)
	r.Post("/api/batches/followups/send", s.handleSendFollowups)

	r.Get("/api/contacts", s.handleListContacts)
	r.Get("/api/contacts/stats", s.handleContactStats)
	r.Get("/api/contacts/{id}", s.handleGetContact)
	r.Put("/api/contacts/{id}", s.handleUpdateContact)

	r.Get("/api/messages", s.handleListMessages)
	r.Get("/api/messages/templates", s.handleTemplates)
	r.Get("/api/messages/{id}", s.handleGetMessage)

	r.Get("/api/jobs/events", s.handleJobEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"worker_running": s.worker.Running(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.sessions.State()
	respondJSON(w, http.StatusOK, map[string]any{
		"worker_running":    s.worker.Running(),
		"session_state":     state,
		"browser_connected": state == session.StateReady,
		"actions_today":     s.gov.ActionCount(),
		"daily_limit":       s.gov.Limit(),
		"challenged":        s.gov.Challenged(),
		"queued_jobs":       s.queue.Len(),
		"timings":           s.window.Snapshot(),
	})
}

// handleLogin registers a login job instead of driving the browser
// inline; launching Chrome and probing cookies can take tens of seconds.
func (s *Server) handleLogin(w http.ResponseWriter, _ *http.Request) {
	s.enqueueJob(w, jobs.TypeLogin)
}

func (s *Server) handleScrapeConnections(w http.ResponseWriter, _ *http.Request) {
	s.enqueueJob(w, jobs.TypeScrapeConnections)
}

func (s *Server) handleRunSequence(w http.ResponseWriter, _ *http.Request) {
	s.enqueueJob(w, jobs.TypeRunSequence)
}

func (s *Server) enqueueJob(w http.ResponseWriter, typ jobs.Type) {
	job, err := s.registry.Register(typ, jobs.Payload{})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_job", err.Error())
		return
	}
	if err := s.queue.Enqueue(job.ID); err != nil {
		_, _ = s.registry.Fail(job.ID, err.Error())
		respondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}
	job, _ = s.registry.Get(job.ID)
	respondJSON(w, http.StatusAccepted, job)
}

type credentialLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleCredentialLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}
	outcome, err := s.sessions.CredentialLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			respondError(w, http.StatusConflict, "session_busy", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "login_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome,
		"state":   s.sessions.State(),
	})
}

type verifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	outcome, err := s.sessions.SubmitVerification(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, session.ErrNoBrowser) {
			respondError(w, http.StatusConflict, "no_browser", err.Error())
			return
		}
		if errors.Is(err, session.ErrBusy) {
			respondError(w, http.StatusConflict, "session_busy", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "verification_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome,
		"state":   s.sessions.State(),
	})
}

func (s *Server) handleCheckLogin(w http.ResponseWriter, r *http.Request) {
	loggedIn, err := s.sessions.FinalizeCheck(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrCheckInProgress):
			respondError(w, http.StatusConflict, "check_in_progress", err.Error())
		case errors.Is(err, session.ErrNoBrowser):
			respondError(w, http.StatusConflict, "no_browser", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "check_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logged_in": loggedIn,
		"state":     s.sessions.State(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleTodayBatch(w http.ResponseWriter, r *http.Request) {
	today, err := s.batches.TodayBatch(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, today)
}

type sendTodayRequest struct {
	Messages []batch.SendItem `json:"messages"`
}

func (s *Server) handleSendToday(w http.ResponseWriter, r *http.Request) {
	var req sendTodayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "messages is empty")
		return
	}
	job, err := s.batches.QueueInitialMessages(r.Context(), req.Messages)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleFollowups(w http.ResponseWriter, r *http.Request) {
	followups, err := s.batches.Followups(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, followups)
}

type sendFollowupsRequest struct {
	Messages []batch.FollowupSendItem `json:"messages"`
}

func (s *Server) handleSendFollowups(w http.ResponseWriter, r *http.Request) {
	var req sendFollowupsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "messages is empty")
		return
	}
	job, err := s.batches.QueueFollowups(r.Context(), req.Messages)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ContactFilter{
		SequenceState: store.SequenceState(q.Get("state")),
		Industry:      q.Get("industry"),
		Limit:         intQuery(q.Get("limit"), 100),
		Offset:        intQuery(q.Get("offset"), 0),
	}
	if raw := q.Get("connected"); raw != "" {
		connected := raw == "true" || raw == "1"
		f.Connected = &connected
	}
	contacts, err := s.store.ListContacts(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

func (s *Server) handleContactStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ContactStats(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	c, err := s.store.GetContact(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// contactUpdateRequest carries the operator-editable fields. Absent
// fields are left untouched.
type contactUpdateRequest struct {
	Industry      *string `json:"industry"`
	Company       *string `json:"company"`
	Tags          *string `json:"tags"`
	HasReplied    *bool   `json:"has_replied"`
	SequenceState *string `json:"sequence_state"`
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req contactUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, err := s.store.GetContact(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if req.Industry != nil {
		c.Industry = *req.Industry
	}
	if req.Company != nil {
		c.Company = *req.Company
	}
	if req.Tags != nil {
		c.Tags = *req.Tags
	}
	if req.HasReplied != nil {
		c.HasReplied = *req.HasReplied
	}
	if req.SequenceState != nil {
		next := store.SequenceState(*req.SequenceState)
		if next != c.SequenceState && !c.SequenceState.CanTransition(next) {
			respondError(w, http.StatusConflict, "invalid_transition",
				"cannot move from "+string(c.SequenceState)+" to "+string(next))
			return
		}
		c.SequenceState = next
	}
	if err := s.store.UpdateContact(r.Context(), &c); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MessageFilter{
		Type:   store.MessageType(q.Get("type")),
		Status: store.MessageStatus(q.Get("status")),
		Limit:  intQuery(q.Get("limit"), 100),
	}
	if raw := q.Get("contact_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "contact_id must be an integer")
			return
		}
		f.ContactID = id
	}
	msgs, err := s.store.ListMessages(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates := outreach.Templates(q.Get("type"), q.Get("industry"))
	respondJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	m, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// handleJobEvents streams registry events over a websocket. The UI keeps
// one of these open instead of polling job snapshots.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.registry.Subscribe()
	defer cancel()

	// Drain client frames so pings are answered and closes are noticed.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
