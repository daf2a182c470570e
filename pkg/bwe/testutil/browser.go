package testutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNoPage is returned by page operations before Navigate.
var ErrNoPage = errors.New("no page open, call Navigate first")

// BrowserConfig configures Chrome launch options.
type BrowserConfig struct {
	Headless bool          // Run in headless mode (default: true)
	Timeout  time.Duration // Default operation timeout (default: 30s)

	// PollInterval is how often WaitFor re-evaluates its condition.
	PollInterval time.Duration
}

// DefaultBrowserConfig returns sensible defaults for E2E testing.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:     true,
		Timeout:      30 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

// BrowserClient wraps Rod with a Chrome configured to receive WebRTC media:
// fake capture devices, auto-granted permissions and no autoplay gesture.
type BrowserClient struct {
	browser *rod.Browser
	page    *rod.Page
	config  BrowserConfig
}

// NewBrowserClient launches Chrome and connects to it.
func NewBrowserClient(cfg BrowserConfig) (*BrowserClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBrowserConfig().Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultBrowserConfig().PollInterval
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch Chrome: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to Chrome: %w", err)
	}

	return &BrowserClient{
		browser: browser,
		config:  cfg,
	}, nil
}

// Navigate opens url in a new page and waits for it to load.
func (c *BrowserClient) Navigate(url string) (*rod.Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	c.page = page

	if err := page.Timeout(c.config.Timeout).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.Timeout(c.config.Timeout).WaitLoad(); err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	return page, nil
}

// Page returns the current page, or nil if none open.
func (c *BrowserClient) Page() *rod.Page {
	return c.page
}

// Eval evaluates a JavaScript function expression, awaiting a returned
// promise, and returns its result.
func (c *BrowserClient) Eval(js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	if c.page == nil {
		return nil, ErrNoPage
	}
	result, err := c.page.Timeout(c.config.Timeout).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return result, nil
}

// WaitFor polls a JavaScript function expression until it returns true or
// the timeout expires.
func (c *BrowserClient) WaitFor(js string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		result, err := c.Eval(js)
		if err != nil {
			return err
		}
		if result.Value.Bool() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met after %v: %s", timeout, js)
		}
		time.Sleep(c.config.PollInterval)
	}
}

// WaitStable waits for the page to be stable (no DOM changes).
func (c *BrowserClient) WaitStable() error {
	if c.page == nil {
		return ErrNoPage
	}
	return c.page.WaitStable(c.config.Timeout)
}

// Close closes the browser.
// Always call this (via defer) to prevent orphaned Chrome processes.
func (c *BrowserClient) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}
