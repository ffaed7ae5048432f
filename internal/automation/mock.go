package automation

import (
	"context"
	"strings"
	"sync"
)

// MockDriver is a scriptable in-memory Driver. Tests preload per-profile
// behavior; DRIVER_MODE=mock runs use the zero value, which behaves like
// a logged-in session where every action succeeds.
type MockDriver struct {
	mu sync.Mutex

	LoggedIn    bool
	Challenge   bool
	NavigateErr error

	// Profiles keys are profile URLs; missing entries fall back to a
	// connected profile with empty scrape results.
	Profiles map[string]MockProfile

	Connections []Connection

	currentURL string
	calls      []string
	cookieData []byte
}

type MockProfile struct {
	Name          string
	About         string
	Experience    string
	Company       string
	Connected     bool
	Pending       bool
	ConnectResult ConnectResult
	SendErr       error
	HasReply      bool
	Challenge     bool
}

func NewMockDriver() *MockDriver {
	return &MockDriver{LoggedIn: true, Profiles: make(map[string]MockProfile)}
}

func (d *MockDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

// Calls returns the action log, used by tests to assert ordering.
func (d *MockDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *MockDriver) profile() MockProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.Profiles[d.currentURL]; ok {
		return p
	}
	return MockProfile{Connected: true, ConnectResult: ConnectSent}
}

func (d *MockDriver) Navigate(_ context.Context, url string) error {
	d.record("navigate " + url)
	if d.NavigateErr != nil {
		return d.NavigateErr
	}
	d.mu.Lock()
	d.currentURL = url
	d.mu.Unlock()
	return nil
}

func (d *MockDriver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentURL
}

func (d *MockDriver) CheckLogin(context.Context) bool { return d.LoggedIn }

func (d *MockDriver) DetectChallenge() bool {
	if d.Challenge {
		return true
	}
	return d.profile().Challenge
}

func (d *MockDriver) FillCredentials(_ context.Context, email, _ string) error {
	d.record("fill_credentials " + email)
	return nil
}

func (d *MockDriver) SubmitVerificationCode(_ context.Context, code string) error {
	d.record("submit_verification " + code)
	return nil
}

func (d *MockDriver) ScrapeName() string  { return d.profile().Name }
func (d *MockDriver) ScrapeAbout() string { return d.profile().About }

func (d *MockDriver) ScrapeExperience() (string, string) {
	p := d.profile()
	return p.Experience, p.Company
}

func (d *MockDriver) IsConnected() bool { return d.profile().Connected }
func (d *MockDriver) IsPending() bool   { return d.profile().Pending }

func (d *MockDriver) SendConnectionRequest(_ context.Context, note string) ConnectResult {
	d.record("connect " + d.CurrentURL() + " note=" + strings.ReplaceAll(note, "\n", " "))
	p := d.profile()
	if p.Connected {
		return ConnectAlreadyConnected
	}
	if p.Pending {
		return ConnectAlreadyPending
	}
	if p.ConnectResult == "" {
		return ConnectSent
	}
	return p.ConnectResult
}

func (d *MockDriver) SendMessage(_ context.Context, text, _ string) error {
	d.record("message " + d.CurrentURL() + " text=" + strings.ReplaceAll(text, "\n", " "))
	return d.profile().SendErr
}

func (d *MockDriver) CheckForReply(context.Context) bool {
	d.record("check_reply " + d.CurrentURL())
	return d.profile().HasReply
}

func (d *MockDriver) ScrapeConnections(_ context.Context, progress func(int)) ([]Connection, error) {
	d.record("scrape_connections")
	if progress != nil {
		progress(len(d.Connections))
	}
	return d.Connections, nil
}

func (d *MockDriver) SaveCookies(string) error {
	d.mu.Lock()
	d.cookieData = []byte("{}")
	d.mu.Unlock()
	return nil
}

func (d *MockDriver) LoadCookies(string) error { return nil }

func (d *MockDriver) Close() error {
	d.record("close")
	return nil
}

// NewMockFactory returns a Factory handing out the given driver, so tests
// control the exact instance the session manager launches.
func NewMockFactory(d *MockDriver) Factory {
	return func(context.Context) (Driver, error) { return d, nil }
}
