//go:build !tinygo

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPPoster posts OTLP payloads to a collector base URL such as
// http://localhost:4318.
type HTTPPoster struct {
	BaseURL string
	Client  *http.Client
}

// Post implements Poster.
func (p *HTTPPoster) Post(ctx context.Context, path string, body []byte) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: HTTPTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telemetry: post %s: %s", path, resp.Status)
	}
	return nil
}
