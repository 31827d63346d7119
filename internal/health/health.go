package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snapetech/teleboy-pvr/internal/httpclient"
)

// CheckUpstream fetches each URL with GET and reports the first one that is
// unreachable or answers 5xx. Auth failures (4xx) still count as reachable:
// the probe runs without a session.
func CheckUpstream(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return fmt.Errorf("no upstream URL configured")
	}
	client := httpclient.WithTimeout(15 * time.Second)
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s unreachable: %w", u, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned HTTP %d", u, resp.StatusCode)
		}
	}
	return nil
}

// CheckEndpoints hits the status server's health and status routes at baseURL.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(5 * time.Second)
	for _, path := range []string{"/healthz", "/api/status"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
