// Package agent implements the Agent Executor Port (C4): the boundary
// between a pipeline's agent nodes and the external agents that actually do
// the work, reached over HTTP.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/requestid"
)

// Request is the envelope sent to an agent's capability endpoint.
type Request struct {
	AgentID      string          `json:"agent_id"`
	Capability   string          `json:"capability"`
	Input        json.RawMessage `json:"input"`
	RunID        string          `json:"run_id"`
	NodeID       string          `json:"node_id"`
	AttemptNum   int             `json:"attempt_num"`
}

// Port is the interface the engine's agent-node evaluator depends on, so
// tests can substitute a fake without standing up an HTTP server.
type Port interface {
	Invoke(ctx context.Context, req Request) domain.Outcome
}

// HTTPExecutor is the production Port implementation. It reuses the
// transport tuning (TLS floor, idle-conn pooling, bounded redirects) the
// scheduler's job executor applies to outbound HTTP calls.
type HTTPExecutor struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

func NewHTTPExecutor(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		logger: logger.With("component", "agent_executor"),
	}
}

// Invoke calls the agent's capability endpoint and classifies the result
// into the closed Outcome taxonomy: 2xx is success, 429/503 is transient
// (the agent asked to be retried), 4xx otherwise is fatal (the request
// itself is malformed and retrying will not help), network errors and
// context deadline exceeded are timeout/transient as appropriate.
func (e *HTTPExecutor) Invoke(ctx context.Context, req Request) domain.Outcome {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return domain.Fatal(fmt.Errorf("encode agent request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/capabilities/"+req.Capability, bytes.NewReader(body))
	if err != nil {
		return domain.Fatal(fmt.Errorf("build agent request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	reqID := requestid.New()
	httpReq.Header.Set("X-Request-ID", reqID)
	ctx = requestid.WithRequestID(ctx, reqID)

	e.logger.InfoContext(ctx, "invoking agent",
		"agent_id", req.AgentID, "capability", req.Capability, "run_id", req.RunID, "node_id", req.NodeID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.TimedOut(fmt.Errorf("agent call: %w", err))
		}
		return domain.Transient(fmt.Errorf("agent call: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	duration := time.Since(start)

	e.logger.InfoContext(ctx, "agent responded",
		"agent_id", req.AgentID, "status", resp.StatusCode, "duration", duration)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.Success(respBody)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return domain.Transient(fmt.Errorf("agent returned %d: %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 500:
		return domain.Transient(fmt.Errorf("agent returned %d: %s", resp.StatusCode, respBody))
	default:
		return domain.Fatal(fmt.Errorf("agent returned %d: %s", resp.StatusCode, respBody))
	}
}
