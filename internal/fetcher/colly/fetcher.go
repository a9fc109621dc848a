// Package collyfetcher implements the stateless HTTP strategy using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"harvester/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Fetcher implements harvest.Fetcher using Colly. Every fetch runs on its
// own collector with its own backend: visit history, timeout and proxy are
// request-scoped, only the pooled transport's connections are shared.
// Retries of the same URL therefore behave like first visits.
type Fetcher struct {
	cfg       Config
	transport *http.Transport
}

// New builds a Fetcher with a pooled transport for unproxied requests.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Fetch executes a single HTTP GET under the request's identity.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector, err := f.buildCollector(request, start, &result, &fetchErr)
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		// A captured response (403, 429, challenge pages) still reaches
		// the caller so the block detector can inspect it; only fetches
		// with nothing on the wire surface as transport errors.
		if result.StatusCode != 0 {
			return result, nil
		}
		return harvest.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	if request.Identity.UserAgent != "" {
		collector.UserAgent = request.Identity.UserAgent
	}

	timeout := request.Timeout
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	if request.Identity.ProxyURL != "" {
		// Proxied requests get a private copy of the pooled transport
		// so the proxy setting cannot outlive this fetch.
		proxyURL, err := url.Parse(request.Identity.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxied := f.transport.Clone()
		proxied.Proxy = http.ProxyURL(proxyURL)
		proxied.DisableKeepAlives = true
		collector.WithTransport(proxied)
	} else {
		collector.WithTransport(f.transport)
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Keep the response around: block classification needs the
		// status code and body even when colly reports an error.
		if r != nil {
			*result = harvest.FetchResponse{
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Headers:    cloneHeaders(r.Headers),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
		}
		*fetchErr = err
	})

	return collector, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &harvest.TransportError{Err: fmt.Errorf("fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil {
			return &harvest.TransportError{Err: fmt.Errorf("colly visit: %w", err)}
		}
		if *fetchErr != nil {
			return &harvest.TransportError{Err: fmt.Errorf("colly response: %w", *fetchErr)}
		}
		return nil
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
