// Package session owns the browser login lifecycle. Exactly one browser
// session exists at a time; the worker and the HTTP handlers both talk
// to the same manager.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/minutely/outreach/internal/automation"
)

type State string

const (
	StateStopped             State = "stopped"
	StateNoBrowser           State = "no_browser"
	StateVerificationPending State = "verification_pending"
	StateReady               State = "ready"
)

type LoginOutcome string

const (
	OutcomeConnected          LoginOutcome = "connected"
	OutcomeVerificationNeeded LoginOutcome = "verification_needed"
	OutcomeFailed             LoginOutcome = "failed"
)

var (
	ErrNotReady        = errors.New("browser not ready, login first")
	ErrNoBrowser       = errors.New("no browser session")
	ErrCheckInProgress = errors.New("login check already in progress")
	ErrBusy            = errors.New("browser is busy with a running job")
)

type Manager struct {
	// opMu serializes everything that drives the browser: login flows,
	// login probes, and whole worker jobs via WithDriver. Login entry
	// points try-lock it, so a call that arrives while a job owns the
	// browser is rejected with ErrBusy, never queued behind it.
	opMu sync.Mutex

	mu          sync.RWMutex
	driver      automation.Driver
	state       State
	loginURL    string
	factory     automation.Factory
	cookiesPath string

	onEvent func(event string)
}

func NewManager(factory automation.Factory, cookiesPath string) *Manager {
	return &Manager{
		factory:     factory,
		cookiesPath: cookiesPath,
		state:       StateStopped,
		loginURL:    "https://www.linkedin.com/login",
	}
}

// SetEventHook wires a metrics callback for session lifecycle events.
func (m *Manager) SetEventHook(fn func(event string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

func (m *Manager) emit(event string) {
	m.mu.RLock()
	fn := m.onEvent
	m.mu.RUnlock()
	if fn != nil {
		fn(event)
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Ready() bool { return m.State() == StateReady }

// Driver returns the live driver, or ErrNotReady when the session is not
// authenticated. Callers that need the browser mid-login use the manager
// methods instead.
func (m *Manager) Driver() (automation.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.driver == nil {
		return nil, ErrNotReady
	}
	return m.driver, nil
}

// WithDriver runs fn while holding the operation lock, so no login or
// verification call can drive the same browser until fn returns. The
// worker wraps every driver-using job in this.
func (m *Manager) WithDriver(fn func(automation.Driver) error) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	drv, err := m.Driver()
	if err != nil {
		return err
	}
	return fn(drv)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emit(string(s))
}

func (m *Manager) currentDriver() automation.Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// Launch starts a fresh browser, superseding any existing session, and
// tries to resume from saved cookies. If the cookies are stale it leaves
// the login page open for a manual or credential login. Rejected with
// ErrBusy while a job owns the browser.
func (m *Manager) Launch(ctx context.Context) (State, error) {
	if !m.opMu.TryLock() {
		return m.State(), ErrBusy
	}
	defer m.opMu.Unlock()
	return m.launchLocked(ctx)
}

func (m *Manager) launchLocked(ctx context.Context) (State, error) {
	if old := m.currentDriver(); old != nil {
		_ = old.Close()
		m.mu.Lock()
		m.driver = nil
		m.mu.Unlock()
	}

	drv, err := m.factory(ctx)
	if err != nil {
		m.setState(StateStopped)
		return StateStopped, err
	}
	m.mu.Lock()
	m.driver = drv
	m.mu.Unlock()
	m.setState(StateNoBrowser)

	if err := drv.LoadCookies(m.cookiesPath); err == nil {
		if drv.CheckLogin(ctx) {
			log.Printf("session: resumed from cookies")
			_ = drv.SaveCookies(m.cookiesPath)
			m.setState(StateReady)
			m.emit("cookie_resume")
			return StateReady, nil
		}
		log.Printf("session: saved cookies are stale")
	}

	// Leave the operator on the login page.
	if err := drv.Navigate(ctx, m.loginURL); err != nil {
		log.Printf("session: open login page: %v", err)
	}
	return StateNoBrowser, nil
}

// CredentialLogin types the credentials into the login form. The session
// must already be launched; it launches one on demand otherwise. A ready
// session short-circuits to connected, and a browser owned by a running
// job rejects with ErrBusy.
func (m *Manager) CredentialLogin(ctx context.Context, email, password string) (LoginOutcome, error) {
	if !m.opMu.TryLock() {
		return OutcomeFailed, ErrBusy
	}
	defer m.opMu.Unlock()

	if m.State() == StateReady {
		return OutcomeConnected, nil
	}
	if m.currentDriver() == nil {
		if _, err := m.launchLocked(ctx); err != nil {
			return OutcomeFailed, err
		}
		if m.State() == StateReady {
			return OutcomeConnected, nil
		}
	}
	drv := m.currentDriver()
	if err := drv.FillCredentials(ctx, email, password); err != nil {
		return OutcomeFailed, err
	}
	return m.evaluateLoginLocked(ctx, drv), nil
}

// SubmitVerification types the emailed code into the checkpoint form.
// Rejected with ErrBusy while a job owns the browser.
func (m *Manager) SubmitVerification(ctx context.Context, code string) (LoginOutcome, error) {
	if !m.opMu.TryLock() {
		return OutcomeFailed, ErrBusy
	}
	defer m.opMu.Unlock()

	drv := m.currentDriver()
	if drv == nil {
		return OutcomeFailed, ErrNoBrowser
	}
	if err := drv.SubmitVerificationCode(ctx, code); err != nil {
		return OutcomeFailed, err
	}
	return m.evaluateLoginLocked(ctx, drv), nil
}

// evaluateLoginLocked inspects the browser after a login step and moves
// the session to the matching state. Challenge pages win over the URL
// looking logged-in.
func (m *Manager) evaluateLoginLocked(ctx context.Context, drv automation.Driver) LoginOutcome {
	cur := strings.ToLower(drv.CurrentURL())
	for _, term := range []string{"checkpoint", "challenge", "security"} {
		if strings.Contains(cur, term) {
			m.setState(StateVerificationPending)
			m.emit("verification_needed")
			return OutcomeVerificationNeeded
		}
	}
	if drv.DetectChallenge() {
		m.setState(StateVerificationPending)
		m.emit("verification_needed")
		return OutcomeVerificationNeeded
	}
	if drv.CheckLogin(ctx) {
		if err := drv.SaveCookies(m.cookiesPath); err != nil {
			log.Printf("session: save cookies: %v", err)
		}
		m.setState(StateReady)
		m.emit("login_success")
		return OutcomeConnected
	}
	m.setState(StateNoBrowser)
	m.emit("login_failed")
	return OutcomeFailed
}

// FinalizeCheck probes whether a manual login finished, by navigating to
// the feed. Idempotent; concurrent probes are rejected with
// ErrCheckInProgress rather than queued behind the running one.
func (m *Manager) FinalizeCheck(ctx context.Context) (bool, error) {
	if !m.opMu.TryLock() {
		return false, ErrCheckInProgress
	}
	defer m.opMu.Unlock()

	drv := m.currentDriver()
	if drv == nil {
		return false, ErrNoBrowser
	}
	if m.State() == StateReady {
		return true, nil
	}
	if drv.CheckLogin(ctx) {
		if err := drv.SaveCookies(m.cookiesPath); err != nil {
			log.Printf("session: save cookies: %v", err)
		}
		m.setState(StateReady)
		m.emit("login_success")
		return true, nil
	}
	return false, nil
}

// Close releases the browser unconditionally. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	drv := m.currentDriver()
	m.mu.Lock()
	m.driver = nil
	m.mu.Unlock()
	m.setState(StateStopped)
	if drv == nil {
		return nil
	}
	m.emit("closed")
	return drv.Close()
}
