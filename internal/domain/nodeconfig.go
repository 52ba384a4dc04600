package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentConfig is the Config payload for NodeAgent nodes: dispatch into C4,
// the Agent Executor Port.
type AgentConfig struct {
	AgentID      string          `json:"agent_id"`
	Capability   string          `json:"capability"`
	InputMapping json.RawMessage `json:"input_mapping,omitempty"`
}

func (c AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent.agent_id is required", ErrValidation)
	}
	if c.Capability == "" {
		return fmt.Errorf("%w: agent.capability is required", ErrValidation)
	}
	return nil
}

// ConditionConfig is the Config payload for NodeCondition nodes: a single
// boolean-valued expression evaluated against the run's accumulated output.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

func (c ConditionConfig) Validate() error {
	if c.Expression == "" {
		return fmt.Errorf("%w: condition.expression is required", ErrValidation)
	}
	return nil
}

// ActionConfig is the Config payload for NodeAction nodes: dispatch into C5,
// the Action Handler registry.
type ActionConfig struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (c ActionConfig) Validate() error {
	switch c.Kind {
	case ActionRunTask, ActionExecutePipeline, ActionSendNotification, ActionCallAPI:
		return nil
	default:
		return fmt.Errorf("%w: action.kind %q is not a known action handler", ErrValidation, c.Kind)
	}
}

// ParallelConfig is the Config payload for NodeParallel nodes: fans out to
// every outgoing edge, and JoinPolicy decides when the parallel node itself
// runs from its incoming edges ("all": every predecessor succeeded; "any":
// at least one has). No join node is required or checked.
type ParallelConfig struct {
	JoinPolicy string `json:"join_policy,omitempty"` // "all" (default) or "any"
}

func (c ParallelConfig) Validate() error {
	switch c.JoinPolicy {
	case "", "all", "any":
		return nil
	default:
		return fmt.Errorf("%w: parallel.join_policy %q is not one of all, any", ErrValidation, c.JoinPolicy)
	}
}

// DelayConfig is the Config payload for NodeDelay nodes.
type DelayConfig struct {
	Duration time.Duration `json:"duration"`
}

func (c DelayConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: delay.duration must be positive", ErrValidation)
	}
	return nil
}

// TriggerConfig is the Config payload for NodeTrigger nodes: marks the
// entrypoint(s) of a Pipeline's DAG and optionally restricts which input
// fields are required present.
type TriggerConfig struct {
	RequiredInputFields []string `json:"required_input_fields,omitempty"`
}

func (c TriggerConfig) Validate() error { return nil }

// ValidateNodeConfig decodes node.Config against the schema registered for
// node.Kind and runs its Validate method. It is the single entrypoint the
// engine and the admin surface both call before accepting a Pipeline
// definition, per the node-kind configuration schema registry described in
// the repository's expanded requirements.
func ValidateNodeConfig(n Node) error {
	switch n.Kind {
	case NodeAgent:
		var c AgentConfig
		if err := json.Unmarshal(n.Config, &c); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
		}
		return c.Validate()
	case NodeCondition:
		var c ConditionConfig
		if err := json.Unmarshal(n.Config, &c); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
		}
		return c.Validate()
	case NodeAction:
		var c ActionConfig
		if err := json.Unmarshal(n.Config, &c); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
		}
		return c.Validate()
	case NodeParallel:
		var c ParallelConfig
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &c); err != nil {
				return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
			}
		}
		return c.Validate()
	case NodeDelay:
		var c DelayConfig
		if err := json.Unmarshal(n.Config, &c); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
		}
		return c.Validate()
	case NodeTrigger:
		var c TriggerConfig
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &c); err != nil {
				return fmt.Errorf("%w: node %q: %v", ErrValidation, n.ID, err)
			}
		}
		return c.Validate()
	default:
		return fmt.Errorf("%w: node %q: unknown kind %q", ErrValidation, n.ID, n.Kind)
	}
}
