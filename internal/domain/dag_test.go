package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

func triggerNode(id string) domain.Node {
	return domain.Node{ID: id, Kind: domain.NodeTrigger}
}

func delayNode(id string, seconds int) domain.Node {
	cfg, _ := json.Marshal(domain.DelayConfig{Duration: time.Duration(seconds) * time.Second})
	return domain.Node{ID: id, Kind: domain.NodeDelay, Config: cfg}
}

func TestValidateDAG_LinearChainOK(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{triggerNode("start"), delayNode("wait", 1)},
		Edges: []domain.Edge{{From: "start", To: "wait"}},
	}
	order, err := domain.ValidateDAG(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "start" || order[1] != "wait" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestValidateDAG_CycleRejected(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{triggerNode("a"), delayNode("b", 1)},
		Edges: []domain.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	_, err := domain.ValidateDAG(p)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateDAG_MissingTriggerRejected(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{delayNode("a", 1)},
	}
	_, err := domain.ValidateDAG(p)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateDAG_DanglingEdgeRejected(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{triggerNode("a")},
		Edges: []domain.Edge{{From: "a", To: "ghost"}},
	}
	_, err := domain.ValidateDAG(p)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateDAG_GuardOnNonConditionRejected(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{triggerNode("a"), delayNode("b", 1)},
		Edges: []domain.Edge{{From: "a", To: "b", Guard: domain.GuardTrue}},
	}
	_, err := domain.ValidateDAG(p)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateDAG_DuplicateNodeIDRejected(t *testing.T) {
	p := &domain.Pipeline{
		Nodes: []domain.Node{triggerNode("a"), triggerNode("a")},
	}
	_, err := domain.ValidateDAG(p)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
