// Package automation wraps all LinkedIn browser interaction behind a
// single interface. Failure is the expected case here: selectors rot as
// the DOM changes, so every probe degrades to a zero value instead of
// propagating an error through the engine.
package automation

import "context"

type ConnectResult string

const (
	ConnectSent             ConnectResult = "ConnectionSent"
	ConnectAlreadyConnected ConnectResult = "AlreadyConnected"
	ConnectAlreadyPending   ConnectResult = "AlreadyPending"
	ConnectError            ConnectResult = "Error"
)

// Connection is one scraped row from the connections page.
type Connection struct {
	ProfileURL string `json:"profile_url"`
	FullName   string `json:"full_name"`
	Title      string `json:"title,omitempty"`
}

// Driver is the browser session boundary. One driver owns one logged-in
// (or logging-in) browser; the session manager controls its lifecycle.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL() string

	// CheckLogin reports whether the session is authenticated, probing
	// the feed if the browser is not on a LinkedIn page.
	CheckLogin(ctx context.Context) bool
	// DetectChallenge reports a CAPTCHA or verification interstitial.
	DetectChallenge() bool

	FillCredentials(ctx context.Context, email, password string) error
	SubmitVerificationCode(ctx context.Context, code string) error

	ScrapeName() string
	ScrapeAbout() string
	ScrapeExperience() (text, company string)
	IsConnected() bool
	IsPending() bool

	SendConnectionRequest(ctx context.Context, note string) ConnectResult
	SendMessage(ctx context.Context, text, videoPath string) error
	CheckForReply(ctx context.Context) bool

	// ScrapeConnections walks the connections page; progress is invoked
	// with the running count as lazy loading advances. May be nil.
	ScrapeConnections(ctx context.Context, progress func(loaded int)) ([]Connection, error)

	SaveCookies(path string) error
	LoadCookies(path string) error

	Close() error
}

// Factory launches a fresh browser session. The session manager calls it
// on every login attempt so a crashed browser never leaks into a new run.
type Factory func(ctx context.Context) (Driver, error)
