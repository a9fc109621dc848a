// Package browser provides the chromedp implementation of harvest.Browser.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"harvester/internal/harvest"
)

// LauncherConfig controls per-session browser processes.
type LauncherConfig struct {
	NavigationTimeout time.Duration
	WindowWidth       int
	WindowHeight      int
}

// Launcher implements harvest.BrowserLauncher with headless Chrome.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher builds a Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1920
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 1080
	}
	return &Launcher{cfg: cfg}
}

// Launch starts one headless Chrome process from the resolved binary and
// warms it up. The returned Browser owns the process.
func (l *Launcher) Launch(ctx context.Context, binaryPath string, identity harvest.Identity) (harvest.Browser, error) {
	profileDir, err := os.MkdirTemp("", "harvester-profile-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binaryPath),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
		chromedp.UserDataDir(profileDir),
	)
	if identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(identity.UserAgent))
	}
	if identity.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(identity.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, warmCancel := context.WithTimeout(browserCtx, l.cfg.NavigationTimeout)
	defer warmCancel()
	stop := forwardCancel(ctx, warmCancel)
	err = chromedp.Run(warmCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Browser{
		identity:   identity,
		browserCtx: browserCtx,
		cancelFns:  []context.CancelFunc{browserCancel, allocCancel},
		profileDir: profileDir,
		navTimeout: l.cfg.NavigationTimeout,
	}, nil
}

// Browser drives one Chrome process. Navigation opens a fresh tab per
// call so page state does not leak between targets.
type Browser struct {
	identity   harvest.Identity
	browserCtx context.Context
	cancelFns  []context.CancelFunc
	profileDir string
	navTimeout time.Duration

	closeOnce sync.Once
}

// Navigate loads the URL, waits for the body to be ready, and returns the
// rendered DOM with response metadata captured off the network domain.
func (b *Browser) Navigate(ctx context.Context, rawURL string) (harvest.FetchResponse, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.navTimeout)
	defer cancelTask()

	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	tasks := chromedp.Tasks{
		network.Enable(),
		b.userAgentAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, fmt.Errorf("navigate canceled: %w", ctx.Err())
		}
		return harvest.FetchResponse{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := meta.snapshot(rawURL, finalURL)
	return harvest.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

// Probe checks the browser is still responsive with a trivial navigation.
func (b *Browser) Probe(ctx context.Context) error {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancelTask()

	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	if err := chromedp.Run(taskCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("probe navigation: %w", err)
	}
	return nil
}

// Close kills the Chrome process and removes the session profile dir.
func (b *Browser) Close(_ context.Context) error {
	b.closeOnce.Do(func() {
		for _, cancel := range b.cancelFns {
			cancel()
		}
		_ = os.RemoveAll(b.profileDir)
	})
	return nil
}

func (b *Browser) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.identity.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(b.identity.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := m.url
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(http.Header, len(m.headers))
	for k, values := range m.headers {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	return status, headers, url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
