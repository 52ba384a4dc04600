// Package action implements the Action Handler registry (C5): the
// dispatch table behind both action nodes inside a pipeline and schedules
// whose trigger fires directly into a handler without a pipeline run.
package action

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/notify"
)

// Handler executes one action invocation and returns a closed-taxonomy
// Outcome, the same contract node evaluators use.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, idempotencyHint string) domain.Outcome
}

// PipelineSubmitter is the narrow slice of the engine's submit operation
// the execute_pipeline handler needs, kept as an interface so this package
// never imports the engine (which imports this package to dispatch action
// nodes) and creates a cycle.
type PipelineSubmitter interface {
	Submit(ctx context.Context, pipelineRef string, input json.RawMessage, idempotencyKey string) (string, error)
}

// Registry maps an ActionKind to its Handler.
type Registry struct {
	handlers map[domain.ActionKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.ActionKind]Handler)}
}

func (r *Registry) Register(kind domain.ActionKind, h Handler) {
	r.handlers[kind] = h
}

func (r *Registry) Dispatch(ctx context.Context, kind domain.ActionKind, payload json.RawMessage, idempotencyHint string) domain.Outcome {
	h, ok := r.handlers[kind]
	if !ok {
		return domain.Fatal(fmt.Errorf("%w: no handler registered for action kind %q", domain.ErrValidation, kind))
	}
	return h.Handle(ctx, payload, idempotencyHint)
}

// CallAPIPayload is the payload shape for the call_api action, a direct
// generalization of the scheduler's original HTTP job fields.
type CallAPIPayload struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// CallAPIHandler performs an outbound HTTP call, classifying 2xx as
// success, 5xx and transport errors as transient, an expired context as a
// timeout, and any other status as fatal (retries are the node/schedule
// policy's job, not this handler's).
type CallAPIHandler struct {
	client *http.Client
}

func NewCallAPIHandler() *CallAPIHandler {
	return &CallAPIHandler{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (h *CallAPIHandler) Handle(ctx context.Context, payload json.RawMessage, _ string) domain.Outcome {
	var p CallAPIPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.Fatal(fmt.Errorf("decode call_api payload: %w", err))
	}
	if p.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = bytes.NewReader([]byte(p.Body))
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return domain.Fatal(fmt.Errorf("build call_api request: %w", err))
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.TimedOut(err)
		}
		return domain.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.Success(respBody)
	}
	if resp.StatusCode >= 500 {
		return domain.Transient(fmt.Errorf("call_api: status %d", resp.StatusCode))
	}
	return domain.Fatal(fmt.Errorf("call_api: status %d", resp.StatusCode))
}

// SendNotificationPayload is the payload shape for the send_notification
// action.
type SendNotificationPayload struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type SendNotificationHandler struct {
	sender notify.Sender
}

func NewSendNotificationHandler(sender notify.Sender) *SendNotificationHandler {
	return &SendNotificationHandler{sender: sender}
}

func (h *SendNotificationHandler) Handle(ctx context.Context, payload json.RawMessage, _ string) domain.Outcome {
	var p SendNotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.Fatal(fmt.Errorf("decode send_notification payload: %w", err))
	}
	if err := h.sender.Send(ctx, notify.Message{Channel: p.Channel, To: p.To, Subject: p.Subject, Body: p.Body}); err != nil {
		return domain.Transient(err)
	}
	return domain.Success(nil)
}

// ExecutePipelinePayload is the payload shape for the execute_pipeline
// action: fire a nested Run and return immediately (fire-and-forget from
// the parent's perspective; it does not block on the child's completion).
type ExecutePipelinePayload struct {
	PipelineRef string          `json:"pipeline_ref"`
	Input       json.RawMessage `json:"input"`
}

type ExecutePipelineHandler struct {
	submitter PipelineSubmitter
}

func NewExecutePipelineHandler(submitter PipelineSubmitter) *ExecutePipelineHandler {
	return &ExecutePipelineHandler{submitter: submitter}
}

func (h *ExecutePipelineHandler) Handle(ctx context.Context, payload json.RawMessage, idempotencyHint string) domain.Outcome {
	var p ExecutePipelinePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.Fatal(fmt.Errorf("decode execute_pipeline payload: %w", err))
	}
	childRunID, err := h.submitter.Submit(ctx, p.PipelineRef, p.Input, idempotencyHint)
	if err != nil {
		return domain.Transient(fmt.Errorf("submit child pipeline: %w", err))
	}
	out, _ := json.Marshal(map[string]string{"child_run_id": childRunID})
	return domain.Success(out)
}

// RunTaskPayload is the payload shape for the run_task action: a thin
// dispatch into an agent capability without the attempt-tracking a full
// agent node gets, used for fire-and-forget background work from a
// schedule.
type RunTaskPayload struct {
	AgentID    string          `json:"agent_id"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
}

type RunTaskHandler struct {
	invoke func(ctx context.Context, agentID, capability string, input json.RawMessage) domain.Outcome
}

func NewRunTaskHandler(invoke func(ctx context.Context, agentID, capability string, input json.RawMessage) domain.Outcome) *RunTaskHandler {
	return &RunTaskHandler{invoke: invoke}
}

func (h *RunTaskHandler) Handle(ctx context.Context, payload json.RawMessage, _ string) domain.Outcome {
	var p RunTaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.Fatal(fmt.Errorf("decode run_task payload: %w", err))
	}
	return h.invoke(ctx, p.AgentID, p.Capability, p.Input)
}
