package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coalesce-ai/coalesce/pkg/models"
)

// inputKey is the fixed key the input payload is merged under when building
// the upstream request body.
const inputKey = "input"

// UpstreamError reports a non-success response from a model endpoint.
type UpstreamError struct {
	Model      string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Model, e.StatusCode, e.Body)
}

// buildBody merges default args, the per-call overrides, and the input
// payload. Overrides win over defaults; the input always wins the fixed key.
func buildBody(mc models.ModelConfig, req Request) ([]byte, error) {
	merged := make(map[string]any, len(mc.DefaultArgs)+len(req.Args)+1)
	for k, v := range mc.DefaultArgs {
		merged[k] = v
	}
	for k, v := range req.Args {
		merged[k] = v
	}
	merged[inputKey] = req.Input

	body, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return body, nil
}

// call issues one upstream request with the per-call timeout and returns
// its outcome. Failures are confined to the returned Outcome.
func (d *Dispatcher) call(ctx context.Context, mc models.ModelConfig, req Request) Outcome {
	body, err := buildBody(mc, req)
	if err != nil {
		return Outcome{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, mc.Method, mc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("create request for %s: %w", mc.Name, err)}
	}
	httpReq.Header.Set("Content-Type", mc.ContentType)
	for k, v := range mc.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Outcome{Err: fmt.Errorf("call %s: %w", mc.Name, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("read response from %s: %w", mc.Name, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(respBody)
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return Outcome{Err: &UpstreamError{Model: mc.Name, StatusCode: resp.StatusCode, Body: detail}}
	}

	return Outcome{Result: respBody}
}
