package eventqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// httpPoster POSTs a batch as {"events":[...]} to a fixed URL, the writer's
// actual transport in production deployments.
type httpPoster struct {
	client *http.Client
	url    string
	header map[string]string
}

// NewHTTPPoster returns a Poster that POSTs JSON batches to url.
func NewHTTPPoster(client *http.Client, url string, header map[string]string) Poster {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpPoster{client: client, url: url, header: header}
}

func (p *httpPoster) Post(ctx context.Context, batch canon.EventBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.header {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("eventqueue: post to %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}
