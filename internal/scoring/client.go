// Package scoring talks to the external model and explanation services.
// Every call is bounded by a timeout and degrades to a neutral value on failure.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("harrier-scoring")

// maxResponseBytes caps how much of a downstream response is read.
const maxResponseBytes = 1 << 20

// Timeouts bounds a downstream call.
type Timeouts struct {
	Connect  time.Duration
	Response time.Duration
}

// DefaultTimeouts returns connect 2s, response 3s.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 2 * time.Second, Response: 3 * time.Second}
}

// newHTTPClient builds a client whose dial is bounded by Connect and whose
// whole exchange is bounded by Connect+Response.
func newHTTPClient(t Timeouts) *http.Client {
	if t.Connect <= 0 || t.Response <= 0 {
		t = DefaultTimeouts()
	}
	dialer := &net.Dialer{Timeout: t.Connect}
	return &http.Client{
		Timeout: t.Connect + t.Response,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: t.Response,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// postJSON sends body to baseURL+path and decodes a 2xx JSON response into out.
func postJSON(ctx context.Context, client *http.Client, baseURL, path string, body, out any) error {
	ctx, span := tracer.Start(ctx, "POST "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.url", baseURL+path))

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
