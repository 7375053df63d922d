package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPChannel is the fallback: a regular request whose status is checked.
type HTTPChannel struct {
	client *http.Client
}

// NewHTTPChannel creates an HTTPChannel.
func NewHTTPChannel(client *http.Client) *HTTPChannel {
	return &HTTPChannel{client: client}
}

// Name identifies the channel in logs and metrics.
func (c *HTTPChannel) Name() string { return "http" }

// Transmit posts req and requires a 2xx response.
func (c *HTTPChannel) Transmit(ctx context.Context, req *Request) error {
	return post(ctx, c.client, req, c.Name())
}

func post(ctx context.Context, client *http.Client, req *Request, channel string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(HeaderChannel, channel)

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector responded %s", resp.Status)
	}
	return nil
}
