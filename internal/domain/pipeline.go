package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrPipelineDisabled   = errors.New("pipeline is disabled")
	ErrValidation         = errors.New("pipeline definition is invalid")
	ErrDuplicatePipeline  = errors.New("pipeline with this name already exists")
)

// PipelineStatus is the lifecycle state of a Pipeline definition.
type PipelineStatus string

const (
	PipelineActive   PipelineStatus = "active"
	PipelineDisabled PipelineStatus = "disabled"
	PipelineArchived PipelineStatus = "archived"
)

// NodeKind identifies the evaluator a Node is dispatched to.
type NodeKind string

const (
	NodeTrigger   NodeKind = "trigger"
	NodeAgent     NodeKind = "agent"
	NodeCondition NodeKind = "condition"
	NodeAction    NodeKind = "action"
	NodeParallel  NodeKind = "parallel"
	NodeDelay     NodeKind = "delay"
)

// FailureMode governs how a node's terminal failure propagates to its
// dependents. See §4.6 step 4.
type FailureMode string

const (
	FailRun     FailureMode = "fail_run"
	SkipBranch  FailureMode = "skip_branch"
	ContinueRun FailureMode = "continue"
)

// EdgeGuard restricts when an edge is traversable. Only meaningful when the
// source node is a condition node; unconditional edges always fire.
type EdgeGuard string

const (
	GuardNone  EdgeGuard = ""
	GuardTrue  EdgeGuard = "true"
	GuardFalse EdgeGuard = "false"
)

// Policy bundles the retry / timeout / circuit-breaker knobs that apply to a
// node's attempt loop. A Pipeline carries a default Policy; a Node may
// override any subset of fields.
type Policy struct {
	MaxAttempts        int           `json:"max_attempts"`
	BackoffBase        time.Duration `json:"backoff_base"`
	BackoffCap         time.Duration `json:"backoff_cap"`
	PerAttemptTimeout  time.Duration `json:"per_attempt_timeout"`
	OverallTimeout     time.Duration `json:"overall_timeout"`
	CBThreshold        int           `json:"cb_threshold"`
	CBCooldown         time.Duration `json:"cb_cooldown"`
	FailureMode        FailureMode   `json:"failure_mode"`
}

// Validate enforces the admin-defined bounds referenced in §4.6.
func (p Policy) Validate(bounds PolicyBounds) error {
	switch {
	case p.MaxAttempts < 1 || p.MaxAttempts > bounds.MaxAttemptsCeiling:
		return fmt.Errorf("%w: max_attempts out of bounds", ErrValidation)
	case p.BackoffBase < 0 || p.BackoffCap < p.BackoffBase:
		return fmt.Errorf("%w: backoff_base/backoff_cap invalid", ErrValidation)
	case p.PerAttemptTimeout < 0 || p.OverallTimeout < 0:
		return fmt.Errorf("%w: timeouts must be non-negative", ErrValidation)
	case p.CBThreshold < 0 || p.CBCooldown < 0:
		return fmt.Errorf("%w: circuit breaker fields must be non-negative", ErrValidation)
	case p.FailureMode != "" && p.FailureMode != FailRun && p.FailureMode != SkipBranch && p.FailureMode != ContinueRun:
		return fmt.Errorf("%w: unknown failure_mode %q", ErrValidation, p.FailureMode)
	}
	return nil
}

// PolicyBounds are admin-configured ceilings checked at submit time.
type PolicyBounds struct {
	MaxAttemptsCeiling int
}

// Merge overlays non-zero fields of override onto a copy of p.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if override.MaxAttempts != 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffBase != 0 {
		out.BackoffBase = override.BackoffBase
	}
	if override.BackoffCap != 0 {
		out.BackoffCap = override.BackoffCap
	}
	if override.PerAttemptTimeout != 0 {
		out.PerAttemptTimeout = override.PerAttemptTimeout
	}
	if override.OverallTimeout != 0 {
		out.OverallTimeout = override.OverallTimeout
	}
	if override.CBThreshold != 0 {
		out.CBThreshold = override.CBThreshold
	}
	if override.CBCooldown != 0 {
		out.CBCooldown = override.CBCooldown
	}
	if override.FailureMode != "" {
		out.FailureMode = override.FailureMode
	}
	return out
}

// Node is one vertex of a Pipeline's DAG.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Config json.RawMessage `json:"config"`
	Policy *Policy         `json:"policy,omitempty"`
}

// Edge connects two nodes, optionally guarded by a condition's boolean tag.
type Edge struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Guard EdgeGuard `json:"guard,omitempty"`
}

// Pipeline is an immutable-per-version DAG definition.
type Pipeline struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	Nodes         []Node         `json:"nodes"`
	Edges         []Edge         `json:"edges"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	DefaultPolicy Policy         `json:"default_policy"`
	Status        PipelineStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EffectivePolicy returns the node's policy merged over the pipeline default.
func (p *Pipeline) EffectivePolicy(node Node) Policy {
	if node.Policy == nil {
		return p.DefaultPolicy
	}
	return p.DefaultPolicy.Merge(*node.Policy)
}

// Canonicalize rewrites p's Nodes, Edges and JSON config bags into a
// deterministic form: nodes sorted by id, edges sorted by (from, to, guard),
// and every json.RawMessage re-encoded through a generic decode/encode pass
// so semantically identical configs (differing only in key order or
// whitespace) compare byte-equal. Submit→fetch→resubmit of an unchanged
// definition must produce the same canonical form.
func (p *Pipeline) Canonicalize() error {
	sort.Slice(p.Nodes, func(i, j int) bool { return p.Nodes[i].ID < p.Nodes[j].ID })
	for i := range p.Nodes {
		normalized, err := canonicalJSON(p.Nodes[i].Config)
		if err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrValidation, p.Nodes[i].ID, err)
		}
		p.Nodes[i].Config = normalized
	}

	sort.Slice(p.Edges, func(i, j int) bool {
		if p.Edges[i].From != p.Edges[j].From {
			return p.Edges[i].From < p.Edges[j].From
		}
		if p.Edges[i].To != p.Edges[j].To {
			return p.Edges[i].To < p.Edges[j].To
		}
		return p.Edges[i].Guard < p.Edges[j].Guard
	})

	if len(p.InputSchema) > 0 {
		normalized, err := canonicalJSON(p.InputSchema)
		if err != nil {
			return fmt.Errorf("%w: input_schema: %v", ErrValidation, err)
		}
		p.InputSchema = normalized
	}
	return nil
}

// canonicalJSON re-encodes raw through a generic interface{} round trip.
// encoding/json always emits object keys in sorted order, so two inputs
// that decode to the same value produce byte-identical output regardless
// of source key order or whitespace.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// NodeByID returns the node with the given id, or false if absent.
func (p *Pipeline) NodeByID(id string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
