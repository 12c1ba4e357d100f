// Package health waits for an HTTP service to come up.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var DefaultPaths = []string{"/health", "/healthz", "/up"}

// Wait polls the origin of baseURL until one of the health paths answers
// with a 2xx or 3xx status, or timeout passes. If customPath is non-empty,
// it's tried first before falling back to the default cascade.
func Wait(ctx context.Context, baseURL string, timeout, interval time.Duration, customPath string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("health: parse %s: %w", baseURL, err)
	}
	origin := u.Scheme + "://" + u.Host

	paths := DefaultPaths
	if customPath != "" {
		paths = append([]string{customPath}, DefaultPaths...)
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	for {
		for _, path := range paths {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+path, nil)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 400 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("health: %s not healthy after %s", origin, timeout)
		case <-time.After(interval):
		}
	}
}
