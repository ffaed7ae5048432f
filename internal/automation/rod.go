package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const defaultBaseURL = "https://www.linkedin.com/"

type RodConfig struct {
	// Headful by default: the operator watches the run and takes over
	// when a login or verification page needs a human.
	Headless bool
	BaseURL  string
}

// NewRodFactory returns a Factory that launches a fresh Chromium via rod.
func NewRodFactory(cfg RodConfig) Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return func(ctx context.Context) (Driver, error) {
		l := launcher.New().Leakless(false).Headless(cfg.Headless)
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		browser := rod.New().ControlURL(url)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("connect browser: %w", err)
		}
		page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			_ = browser.Close()
			return nil, fmt.Errorf("open page: %w", err)
		}
		return &rodDriver{browser: browser, page: page.Context(ctx), baseURL: cfg.BaseURL}, nil
	}
}

type rodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	baseURL string
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	cur := strings.ToLower(d.CurrentURL())
	if strings.Contains(cur, "linkedin.com/login") || strings.Contains(cur, "linkedin.com/authwall") {
		return errors.New("redirected to login, session expired")
	}
	return nil
}

func (d *rodDriver) CurrentURL() string {
	info, err := d.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (d *rodDriver) CheckLogin(ctx context.Context) bool {
	cur := strings.ToLower(d.CurrentURL())
	if strings.Contains(cur, "linkedin.com") {
		return !strings.Contains(cur, "login") && !strings.Contains(cur, "authwall")
	}
	p := d.page.Context(ctx)
	if err := p.Navigate(d.baseURL + "feed/"); err != nil {
		return false
	}
	_ = p.WaitLoad()
	time.Sleep(3 * time.Second)
	cur = strings.ToLower(d.CurrentURL())
	return !strings.Contains(cur, "login") && !strings.Contains(cur, "authwall")
}

func (d *rodDriver) DetectChallenge() bool {
	cur := strings.ToLower(d.CurrentURL())
	for _, term := range []string{"checkpoint", "challenge", "security"} {
		if strings.Contains(cur, term) {
			return true
		}
	}
	if _, err := d.page.Timeout(2 * time.Second).ElementR("h1, h2, p",
		"/verify.*identity|security.*verification|unusual.*activity/i"); err == nil {
		return true
	}
	return false
}

func (d *rodDriver) FillCredentials(ctx context.Context, email, password string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(d.baseURL + "login"); err != nil {
		return fmt.Errorf("navigate login: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("login page load: %w", err)
	}

	usernameInput, err := p.Timeout(5 * time.Second).Element("input#username")
	if err != nil {
		// Some regions serve the legacy login path.
		if err := p.Navigate(d.baseURL + "uas/login"); err != nil {
			return fmt.Errorf("navigate alternative login: %w", err)
		}
		_ = p.WaitLoad()
		usernameInput, err = p.Timeout(5 * time.Second).Element("input#username")
		if err != nil {
			return fmt.Errorf("username input not found: %w", err)
		}
	}
	if err := usernameInput.Input(email); err != nil {
		return fmt.Errorf("fill email: %w", err)
	}
	passwordInput, err := p.Timeout(5 * time.Second).Element("input#password")
	if err != nil {
		return fmt.Errorf("password input not found: %w", err)
	}
	if err := passwordInput.Input(password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	submitBtn, err := p.Timeout(5 * time.Second).Element("button[type='submit']")
	if err != nil {
		return fmt.Errorf("submit button not found: %w", err)
	}
	if err := submitBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	time.Sleep(5 * time.Second)
	return nil
}

func (d *rodDriver) SubmitVerificationCode(ctx context.Context, code string) error {
	p := d.page.Context(ctx)
	var codeInput *rod.Element
	for _, sel := range []string{
		"input[name='pin']",
		"input#input__email_verification_pin",
		"input[autocomplete='one-time-code']",
		"input[type='text']",
	} {
		el, err := p.Timeout(3 * time.Second).Element(sel)
		if err == nil {
			codeInput = el
			break
		}
	}
	if codeInput == nil {
		return errors.New("verification code input not found")
	}
	if err := codeInput.Input(code); err != nil {
		return fmt.Errorf("fill verification code: %w", err)
	}
	submitBtn, err := p.Timeout(5 * time.Second).Element("button[type='submit']")
	if err != nil {
		return fmt.Errorf("verification submit not found: %w", err)
	}
	if err := submitBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click verification submit: %w", err)
	}
	time.Sleep(5 * time.Second)
	return nil
}

func (d *rodDriver) ScrapeName() string {
	el, err := d.page.Timeout(3 * time.Second).Element("main h1")
	if err != nil {
		return ""
	}
	name, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(name)
}

func (d *rodDriver) ScrapeAbout() string {
	// Expand the truncated section first; ignore failure.
	if btn, err := d.page.Timeout(2 * time.Second).ElementR("section button", "/see more/i"); err == nil {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
		time.Sleep(time.Second)
	}

	res, err := d.page.Eval(`() => {
		const anchor = document.querySelector('#about');
		if (!anchor) return '';
		const section = anchor.closest('section');
		if (!section) return '';
		const spans = section.querySelectorAll("span[aria-hidden='true']");
		const texts = [];
		for (const s of spans) {
			const t = s.textContent.trim();
			if (t && t.length > 10) texts.push(t);
		}
		return texts.join(' ');
	}`)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Value.String())
}

func (d *rodDriver) ScrapeExperience() (string, string) {
	res, err := d.page.Eval(`() => {
		const anchor = document.querySelector('#experience');
		if (!anchor) return {text: '', company: ''};
		const section = anchor.closest('section');
		if (!section) return {text: '', company: ''};
		const items = section.querySelectorAll('li');
		const texts = [];
		for (let i = 0; i < Math.min(items.length, 5); i++) {
			const t = items[i].innerText.trim();
			if (t) texts.push(t);
		}
		let company = '';
		const first = section.querySelector("li span.t-normal span[aria-hidden='true']");
		if (first) company = first.textContent.split('·')[0].trim();
		return {text: texts.join('\n'), company: company};
	}`)
	if err != nil {
		return "", ""
	}
	text := res.Value.Get("text").String()
	company := res.Value.Get("company").String()

	if company == "" {
		if el, err := d.page.Timeout(2 * time.Second).Element("div.text-body-medium"); err == nil {
			if headline, err := el.Text(); err == nil {
				if idx := strings.LastIndex(headline, " at "); idx >= 0 {
					company = strings.TrimSpace(headline[idx+4:])
				}
			}
		}
	}
	return strings.TrimSpace(text), company
}

func (d *rodDriver) IsConnected() bool {
	_, err := d.page.Timeout(3 * time.Second).ElementR("main button, main a", "/^\\s*Message\\s*$/i")
	return err == nil
}

func (d *rodDriver) IsPending() bool {
	_, err := d.page.Timeout(3 * time.Second).ElementR("main button", "/Pending/i")
	return err == nil
}

func (d *rodDriver) SendConnectionRequest(ctx context.Context, note string) ConnectResult {
	if d.IsConnected() {
		return ConnectAlreadyConnected
	}
	if d.IsPending() {
		return ConnectAlreadyPending
	}

	p := d.page.Context(ctx)
	connectClicked := false
	if btn, err := p.Timeout(3*time.Second).ElementR("main button", "/^Connect$/i"); err == nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
			connectClicked = true
		}
	}
	if !connectClicked {
		// Connect is sometimes tucked under the More dropdown.
		if more, err := p.Timeout(3*time.Second).ElementR("main button", "/^More$/i"); err == nil {
			if err := more.Click(proto.InputMouseButtonLeft, 1); err == nil {
				time.Sleep(time.Second)
				if item, err := p.Timeout(3*time.Second).ElementR("div[role='menuitem'], li", "/Connect/i"); err == nil {
					if err := item.Click(proto.InputMouseButtonLeft, 1); err == nil {
						connectClicked = true
					}
				}
			}
		}
	}
	if !connectClicked {
		log.Printf("automation: connect button not found on %s", d.CurrentURL())
		return ConnectError
	}

	time.Sleep(2 * time.Second)

	if note != "" {
		if addNote, err := p.Timeout(3*time.Second).ElementR("button", "/Add a note/i"); err == nil {
			if err := addNote.Click(proto.InputMouseButtonLeft, 1); err == nil {
				time.Sleep(time.Second)
				for _, sel := range []string{"#custom-message", "textarea[name='message']", "textarea"} {
					if ta, err := p.Timeout(2 * time.Second).Element(sel); err == nil {
						_ = ta.Input(note)
						break
					}
				}
			}
		}
	}

	if send, err := p.Timeout(5*time.Second).ElementR("div[role='dialog'] button", "/^Send/i"); err == nil {
		if err := send.Click(proto.InputMouseButtonLeft, 1); err == nil {
			time.Sleep(2 * time.Second)
			return ConnectSent
		}
	}
	log.Printf("automation: send button not found on connect modal")
	return ConnectError
}

func (d *rodDriver) SendMessage(ctx context.Context, text, videoPath string) error {
	p := d.page.Context(ctx)

	msgBtn, err := p.Timeout(5*time.Second).ElementR("main button, main a", "/^\\s*Message\\s*$/i")
	if err != nil {
		return errors.New("message button not found, contact may not be connected")
	}
	if err := msgBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click message button: %w", err)
	}
	time.Sleep(2 * time.Second)

	var box *rod.Element
	for _, sel := range []string{
		"div[role='textbox'][contenteditable='true'][aria-label*='message' i]",
		"div.msg-form__contenteditable[contenteditable='true']",
		"form.msg-form div[contenteditable='true']",
		"div[role='textbox'][contenteditable='true']",
	} {
		if el, err := p.Timeout(3 * time.Second).Element(sel); err == nil {
			box = el
			break
		}
	}
	if box == nil {
		d.closeMessageOverlay()
		return errors.New("message input box not found")
	}
	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		d.closeMessageOverlay()
		return fmt.Errorf("focus message box: %w", err)
	}
	if err := box.Input(text); err != nil {
		d.closeMessageOverlay()
		return fmt.Errorf("type message: %w", err)
	}

	if videoPath != "" {
		if err := d.attachVideo(p, videoPath); err != nil {
			log.Printf("automation: video attach failed, sending text only: %v", err)
		}
		time.Sleep(time.Second)
	}

	var send *rod.Element
	for _, sel := range []string{
		"button.msg-form__send-button[type='submit']",
		"button[aria-label='Send' i]",
	} {
		if el, err := p.Timeout(2 * time.Second).Element(sel); err == nil {
			send = el
			break
		}
	}
	if send == nil {
		if el, err := p.Timeout(3*time.Second).ElementR("button", "/^Send$/i"); err == nil {
			send = el
		}
	}
	if send == nil {
		d.closeMessageOverlay()
		return errors.New("send button not found")
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		d.closeMessageOverlay()
		return fmt.Errorf("click send: %w", err)
	}
	time.Sleep(time.Second)
	d.closeMessageOverlay()
	return nil
}

func (d *rodDriver) attachVideo(p *rod.Page, videoPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("video file: %w", err)
	}
	var attach *rod.Element
	for _, sel := range []string{
		"button[aria-label*='Attach' i]",
		".msg-form__footer-action button[aria-label*='Attach' i]",
	} {
		if el, err := p.Timeout(3 * time.Second).Element(sel); err == nil {
			attach = el
			break
		}
	}
	if attach == nil {
		return errors.New("attachment button not found")
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click attach: %w", err)
	}
	fileInput, err := p.Timeout(5 * time.Second).Element("input[type='file']")
	if err != nil {
		return fmt.Errorf("file input not found: %w", err)
	}
	if err := fileInput.SetFiles([]string{videoPath}); err != nil {
		return fmt.Errorf("set file: %w", err)
	}
	// Wait for the upload preview; proceed anyway if it never shows,
	// the file may still be processing server-side.
	for i := 0; i < 8; i++ {
		if _, err := p.Timeout(time.Second).Element("div[class*='media-attachment'], div[class*='file-attachment'], video"); err == nil {
			return nil
		}
	}
	return nil
}

func (d *rodDriver) CheckForReply(ctx context.Context) bool {
	p := d.page.Context(ctx)
	msgBtn, err := p.Timeout(3*time.Second).ElementR("main button, main a", "/^\\s*Message\\s*$/i")
	if err != nil {
		return false
	}
	if err := msgBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false
	}
	time.Sleep(5 * time.Second)
	defer d.closeMessageOverlay()

	res, err := p.Eval(`() => {
		let items = document.querySelectorAll('li.msg-s-message-list__event');
		if (items.length === 0) items = document.querySelectorAll('div.msg-s-event-listitem');
		if (items.length === 0) return '';
		const last = items[items.length - 1];
		const sender = last.querySelector('.msg-s-message-group__name, .msg-s-message-group__profile-link');
		return sender ? sender.textContent.trim() : '';
	}`)
	if err != nil {
		return false
	}
	sender := strings.TrimSpace(res.Value.String())
	return sender != "" && !strings.EqualFold(sender, "you")
}

func (d *rodDriver) closeMessageOverlay() {
	for _, sel := range []string{
		"button[data-control-name='overlay.close_conversation_window']",
		".msg-overlay-bubble-header__control--close-btn",
	} {
		if el, err := d.page.Timeout(time.Second).Element(sel); err == nil {
			if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
				return
			}
		}
	}
	_ = d.page.Keyboard.Press(input.Escape)
}

func (d *rodDriver) ScrapeConnections(ctx context.Context, progress func(loaded int)) ([]Connection, error) {
	p := d.page.Context(ctx)
	if err := p.Navigate(d.baseURL + "mynetwork/invite-connect/connections/"); err != nil {
		return nil, fmt.Errorf("navigate connections: %w", err)
	}
	_ = p.WaitLoad()
	time.Sleep(4 * time.Second)

	lastCount := 0
	noChange := 0
	for scroll := 0; scroll < 50; scroll++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := p.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
		time.Sleep(2 * time.Second)

		if btn, err := p.Timeout(time.Second).ElementR("button", "/Load more/i"); err == nil {
			_ = btn.Click(proto.InputMouseButtonLeft, 1)
			time.Sleep(2 * time.Second)
		}

		res, err := p.Eval(`() => document.querySelectorAll('a[href*="/in/"]').length`)
		if err != nil {
			return nil, fmt.Errorf("count links: %w", err)
		}
		count := res.Value.Int()
		if count == lastCount {
			noChange++
			if noChange >= 3 {
				break
			}
		} else {
			noChange = 0
			lastCount = count
		}
		if progress != nil {
			progress(count / 3)
		}
	}

	// LinkedIn renders three anchors per card; only the name-only link
	// sits inside a <p>, which is what keys the dedup below.
	res, err := p.Eval(`() => {
		const links = document.querySelectorAll('a[href*="/in/"]');
		const seen = new Set();
		const results = [];
		links.forEach(a => {
			const href = a.getAttribute('href');
			if (!href) return;
			if (!a.closest('p')) return;
			const text = a.textContent.trim();
			if (!text) return;
			if (href.includes('/in/me/') || href.includes('/in/edit/')) return;
			let url = href;
			if (url.startsWith('/')) url = 'https://www.linkedin.com' + url;
			if (seen.has(url)) return;
			seen.add(url);
			let title = '';
			let container = a;
			for (let i = 0; i < 6; i++) {
				if (container.parentElement) container = container.parentElement;
			}
			for (const pEl of container.querySelectorAll('p')) {
				const t = pEl.textContent.trim();
				if (t && t !== text) { title = t; break; }
			}
			results.push({profile_url: url, full_name: text, title: title});
		});
		return results;
	}`)
	if err != nil {
		return nil, fmt.Errorf("extract connections: %w", err)
	}

	var out []Connection
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &out); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}
	return out, nil
}

func (d *rodDriver) SaveCookies(path string) error {
	pp := d.page.Timeout(20 * time.Second)
	cookies, err := proto.StorageGetCookies{}.Call(pp)
	if err != nil {
		time.Sleep(500 * time.Millisecond)
		cookies, err = proto.StorageGetCookies{}.Call(pp)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
	}
	b, err := json.MarshalIndent(cookies.Cookies, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o600)
}

func (d *rodDriver) LoadCookies(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cookies []*proto.NetworkCookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}
	for _, c := range cookies {
		_, _ = proto.NetworkSetCookie{
			Domain:   c.Domain,
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}.Call(d.page)
	}
	return nil
}

func (d *rodDriver) Close() error {
	return d.browser.Close()
}
