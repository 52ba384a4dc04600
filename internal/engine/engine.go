// Package engine is the Pipeline Engine (C6): it claims pending Runs,
// walks their Pipeline's DAG node by node, and drives each node through its
// retry/backoff/circuit-breaker attempt loop until the run reaches a
// terminal status. It is the direct descendant of the scheduler's
// ticker-driven worker, generalized from "claim and run one HTTP job" to
// "claim and advance one DAG".
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/agent"
	"github.com/orchestration-core/pipeline-engine/internal/clock"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/google/uuid"
)

// Engine owns the claim-and-advance loop for Runs. One Engine may run
// per process; WProc bounds its total concurrent node attempts across all
// runs it is advancing, WRun bounds concurrent attempts within a single
// run.
type Engine struct {
	runs      repository.RunRepository
	pipelines repository.PipelineRepository
	breakers  repository.BreakerRepository
	agents    agent.Port
	actions   *action.Registry
	clock     clock.Clock
	logger    *slog.Logger

	bounds         domain.PolicyBounds
	tickInterval   time.Duration
	staleAfter     time.Duration
	idempotencyTTL time.Duration

	procSem chan struct{}

	mu        sync.Mutex
	active    map[string]struct{}
	runStates map[string]*runState
	runSems   map[string]chan struct{}
	wRun      int

	pipelineCacheMu sync.Mutex
	pipelineCache   map[string]*cachedPipeline
}

type cachedPipeline struct {
	pipeline *domain.Pipeline
	order    []string
	nodeByID map[string]domain.Node
	incoming map[string][]domain.Edge
}

// runState tracks in-memory bookkeeping for one in-flight run that has no
// natural home in the persisted NodeResult rows: its cancellation scope and
// whether a fail_run node has already fired.
type runState struct {
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	failFast   bool
	hasFailure bool
	inflight   map[string]struct{}
}

// Config bundles the tunables an Engine needs that come from process
// configuration rather than per-pipeline policy.
type Config struct {
	WProc              int
	WRun               int
	TickInterval       time.Duration
	RecoveryStaleAfter time.Duration
	MaxAttemptsCeiling int
	IdempotencyKeyTTL  time.Duration
}

func New(
	runs repository.RunRepository,
	pipelines repository.PipelineRepository,
	breakers repository.BreakerRepository,
	agents agent.Port,
	actions *action.Registry,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		runs:          runs,
		pipelines:     pipelines,
		breakers:      breakers,
		agents:        agents,
		actions:       actions,
		clock:         clk,
		logger:        logger.With("component", "engine"),
		bounds:         domain.PolicyBounds{MaxAttemptsCeiling: cfg.MaxAttemptsCeiling},
		tickInterval:   cfg.TickInterval,
		staleAfter:     cfg.RecoveryStaleAfter,
		idempotencyTTL: cfg.IdempotencyKeyTTL,
		procSem:       make(chan struct{}, cfg.WProc),
		active:        make(map[string]struct{}),
		runStates:     make(map[string]*runState),
		runSems:       make(map[string]chan struct{}),
		wRun:          cfg.WRun,
		pipelineCache: make(map[string]*cachedPipeline),
	}
}

// Submit creates a new Run of the named pipeline's latest version. It also
// satisfies action.PipelineSubmitter, so the execute_pipeline action
// handler can fire nested runs through the same entrypoint the admin
// surface uses.
func (e *Engine) Submit(ctx context.Context, pipelineRef string, input json.RawMessage, idempotencyKey string) (string, error) {
	p, err := e.pipelines.GetLatest(ctx, pipelineRef)
	if err != nil {
		p, err = e.pipelines.GetByName(ctx, pipelineRef)
		if err != nil {
			return "", fmt.Errorf("resolve pipeline %q: %w", pipelineRef, err)
		}
	}
	if p.Status != domain.PipelineActive {
		return "", fmt.Errorf("submit run: %w", domain.ErrPipelineDisabled)
	}

	if idempotencyKey != "" {
		if existing, err := e.runs.GetByIdempotencyKey(ctx, p.ID, idempotencyKey); err == nil {
			if e.idempotencyTTL <= 0 || e.clock.Now().Sub(existing.CreatedAt) <= e.idempotencyTTL {
				return existing.ID, nil
			}
		}
	}

	run := &domain.Run{
		ID:              uuid.NewString(),
		PipelineID:      p.ID,
		PipelineVersion: p.Version,
		Input:           input,
		Status:          domain.RunPending,
		IdempotencyKey:  idempotencyKey,
	}
	created, err := e.runs.Create(ctx, run)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return created.ID, nil
}

// Cancel requests cooperative cancellation of a run. The run transitions to
// RunCancelled once any in-flight node attempts observe the request.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.runs.RequestCancel(ctx, runID)
}

// GetStatus returns the read-only snapshot format described for run status
// queries: terminal outcome, per-node status, and accumulated errors.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := e.runs.ListNodeResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	snap := &domain.RunSnapshot{
		RunID:           run.ID,
		PipelineID:      run.PipelineID,
		PipelineVersion: run.PipelineVersion,
		Status:          run.Status,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		Output:          run.Output,
		NodeStatus:      make(map[string]domain.NodeResultStatus, len(results)),
	}
	for _, nr := range results {
		snap.NodeStatus[nr.NodeID] = nr.Status
		if nr.Status == domain.NodeResultFailed {
			snap.Errors = append(snap.Errors, domain.NodeErrorEntry{
				NodeID:      nr.NodeID,
				Kind:        "node_failed",
				Message:     nr.ErrorText,
				Attempts:    nr.Attempts,
				LastAttempt: nr.UpdatedAt,
			})
		}
	}
	return snap, nil
}

// Start runs the claim-and-advance loop until ctx is cancelled. It performs
// one crash-recovery scan before entering the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.recover(ctx)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.logger.Info("engine started", "w_proc", cap(e.procSem), "w_run", e.wRun)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine shutting down")
			metrics.ProcessShutdownsTotal.Inc()
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	headroom := cap(e.procSem) - len(e.procSem)
	if headroom > 0 {
		claimed, err := e.runs.ClaimPending(ctx, headroom)
		if err != nil {
			e.logger.Error("claim pending runs", "error", err)
		}
		for _, r := range claimed {
			e.mu.Lock()
			e.active[r.ID] = struct{}{}
			e.mu.Unlock()
			metrics.RunsInFlight.Inc()
			if r.StartedAt != nil {
				metrics.RunPickupLatency.Observe(time.Since(r.CreatedAt).Seconds())
			}
		}
	}

	e.mu.Lock()
	runIDs := make([]string, 0, len(e.active))
	for id := range e.active {
		runIDs = append(runIDs, id)
	}
	e.mu.Unlock()

	for _, id := range runIDs {
		if e.advance(ctx, id) {
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
			metrics.RunsInFlight.Dec()
		}
	}
}

func (e *Engine) pipelineFor(ctx context.Context, run *domain.Run) (*cachedPipeline, error) {
	key := fmt.Sprintf("%s@%d", run.PipelineID, run.PipelineVersion)

	e.pipelineCacheMu.Lock()
	if cp, ok := e.pipelineCache[key]; ok {
		e.pipelineCacheMu.Unlock()
		return cp, nil
	}
	e.pipelineCacheMu.Unlock()

	p, err := e.pipelines.GetByIDVersion(ctx, run.PipelineID, run.PipelineVersion)
	if err != nil {
		return nil, err
	}
	order, err := domain.ValidateDAG(p)
	if err != nil {
		return nil, err
	}

	cp := &cachedPipeline{
		pipeline: p,
		order:    order,
		nodeByID: make(map[string]domain.Node, len(p.Nodes)),
		incoming: make(map[string][]domain.Edge, len(p.Nodes)),
	}
	for _, n := range p.Nodes {
		cp.nodeByID[n.ID] = n
	}
	for _, edge := range p.Edges {
		cp.incoming[edge.To] = append(cp.incoming[edge.To], edge)
	}

	e.pipelineCacheMu.Lock()
	e.pipelineCache[key] = cp
	e.pipelineCacheMu.Unlock()
	return cp, nil
}

func (e *Engine) stateFor(ctx context.Context, run *domain.Run, overallTimeout time.Duration) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.runStates[run.ID]; ok {
		return rs
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if overallTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, overallTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	rs := &runState{ctx: runCtx, cancel: cancel, inflight: make(map[string]struct{})}
	e.runStates[run.ID] = rs
	e.runSems[run.ID] = make(chan struct{}, e.wRun)
	return rs
}

func (e *Engine) dropState(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.runStates[runID]; ok {
		rs.cancel()
		delete(e.runStates, runID)
	}
	delete(e.runSems, runID)
}

// advance evaluates the ready set of one run's DAG once. It returns true if
// the run reached a terminal status and should stop being polled.
func (e *Engine) advance(ctx context.Context, runID string) bool {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		e.logger.Error("load run", "run_id", runID, "error", err)
		return true
	}
	if run.Status.IsTerminal() {
		e.dropState(runID)
		return true
	}

	cp, err := e.pipelineFor(ctx, run)
	if err != nil {
		e.logger.Error("load pipeline for run", "run_id", runID, "error", err)
		_ = e.runs.CompareAndSetStatus(ctx, run.ID, run.Version, domain.RunFailed, err.Error(), nil)
		e.dropState(runID)
		return true
	}

	rs := e.stateFor(ctx, run, cp.pipeline.DefaultPolicy.OverallTimeout)

	if rs.ctx.Err() != nil && !rs.failFast && !run.CancelRequested {
		return e.finalize(ctx, run, cp, rs, domain.RunTimedOut, "overall timeout exceeded")
	}

	if run.CancelRequested {
		rs.mu.Lock()
		rs.cancel()
		rs.mu.Unlock()
	}

	results, err := e.runs.ListNodeResults(ctx, runID)
	if err != nil {
		e.logger.Error("list node results", "run_id", runID, "error", err)
		return false
	}
	byNode := make(map[string]*domain.NodeResult, len(results))
	for _, nr := range results {
		byNode[nr.NodeID] = nr
	}

	allTerminal := true
	for _, id := range cp.order {
		nr, exists := byNode[id]
		if exists && nr.Status.IsTerminal() {
			continue
		}
		allTerminal = false

		rs.mu.Lock()
		_, running := rs.inflight[id]
		rs.mu.Unlock()
		if running {
			continue
		}
		if exists && nr.Status == domain.NodeResultRunning && !nr.Orphaned {
			// A prior attempt loop is mid-flight in this process's own
			// accounting (tracked above via rs.inflight) or, if not, it
			// belongs to another live engine instance; either way it is
			// not this tick's concern.
			continue
		}

		switch e.readiness(cp, id, byNode) {
		case readinessWait:
			continue
		case readinessSkip:
			e.skipNode(ctx, run, id)
		case readinessRun:
			if run.CancelRequested || rs.ctx.Err() != nil {
				e.skipNode(ctx, run, id)
				continue
			}
			e.dispatchNode(ctx, run, cp, rs, cp.nodeByID[id])
		}
	}

	if !allTerminal {
		return false
	}

	rs.mu.Lock()
	stillRunning := len(rs.inflight) > 0
	rs.mu.Unlock()
	if stillRunning {
		return false
	}

	status := domain.RunSucceeded
	switch {
	case run.CancelRequested:
		status = domain.RunCancelled
	case rs.failFast, rs.hasFailure:
		status = domain.RunFailed
	}
	return e.finalize(ctx, run, cp, rs, status, "")
}

type readiness int

const (
	readinessWait readiness = iota
	readinessRun
	readinessSkip
)

func (e *Engine) readiness(cp *cachedPipeline, nodeID string, byNode map[string]*domain.NodeResult) readiness {
	incoming := cp.incoming[nodeID]
	if len(incoming) == 0 {
		return readinessRun
	}

	node := cp.nodeByID[nodeID]
	if node.Kind == domain.NodeParallel {
		var pc domain.ParallelConfig
		_ = json.Unmarshal(node.Config, &pc)
		if pc.JoinPolicy == "any" {
			anySucceeded, allTerminal := false, true
			for _, edge := range incoming {
				src, ok := byNode[edge.From]
				if !ok || !src.Status.IsTerminal() {
					allTerminal = false
					continue
				}
				if src.Status == domain.NodeResultSucceeded {
					anySucceeded = true
				}
			}
			switch {
			case anySucceeded:
				return readinessRun
			case allTerminal:
				return readinessSkip
			default:
				return readinessWait
			}
		}
	}

	for _, edge := range incoming {
		src, ok := byNode[edge.From]
		if !ok || !src.Status.IsTerminal() {
			return readinessWait
		}
		if src.Status != domain.NodeResultSucceeded {
			return readinessSkip
		}
		if edge.Guard != domain.GuardNone {
			srcNode := cp.nodeByID[edge.From]
			if srcNode.Kind == domain.NodeCondition {
				if src.BoolTag == nil {
					return readinessSkip
				}
				want := edge.Guard == domain.GuardTrue
				if *src.BoolTag != want {
					return readinessSkip
				}
			}
		}
	}
	return readinessRun
}

func (e *Engine) skipNode(ctx context.Context, run *domain.Run, nodeID string) {
	nr := &domain.NodeResult{
		RunID:  run.ID,
		NodeID: nodeID,
		Status: domain.NodeResultSkipped,
	}
	if _, err := e.runs.UpsertNodeResult(ctx, nr); err != nil {
		e.logger.Error("skip node", "run_id", run.ID, "node_id", nodeID, "error", err)
	}
}

func (e *Engine) finalize(ctx context.Context, run *domain.Run, cp *cachedPipeline, rs *runState, status domain.RunStatus, errSummary string) bool {
	if errSummary == "" && status != domain.RunSucceeded {
		errSummary = e.summarizeFailures(ctx, run.ID)
	}
	var output []byte
	if status == domain.RunSucceeded {
		output = e.mergeLeafOutputs(ctx, run.ID, cp)
	}

	if err := e.runs.CompareAndSetStatus(ctx, run.ID, run.Version, status, errSummary, output); err != nil {
		e.logger.Warn("finalize run", "run_id", run.ID, "status", status, "error", err)
	}

	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(cp.pipeline.Name, string(status)).Observe(time.Since(*run.StartedAt).Seconds())
	}
	metrics.RunsCompletedTotal.WithLabelValues(cp.pipeline.Name, string(status)).Inc()

	e.dropState(run.ID)
	return true
}

func (e *Engine) summarizeFailures(ctx context.Context, runID string) string {
	results, err := e.runs.ListNodeResults(ctx, runID)
	if err != nil {
		return ""
	}
	for _, nr := range results {
		if nr.Status == domain.NodeResultFailed {
			return fmt.Sprintf("node %s: %s", nr.NodeID, nr.ErrorText)
		}
	}
	return ""
}

func (e *Engine) mergeLeafOutputs(ctx context.Context, runID string, cp *cachedPipeline) []byte {
	hasOutgoing := make(map[string]bool, len(cp.nodeByID))
	for _, edge := range cp.pipeline.Edges {
		hasOutgoing[edge.From] = true
	}

	results, err := e.runs.ListNodeResults(ctx, runID)
	if err != nil {
		return nil
	}
	merged := make(map[string]json.RawMessage)
	for _, nr := range results {
		if hasOutgoing[nr.NodeID] || nr.Status != domain.NodeResultSucceeded || len(nr.Output) == 0 {
			continue
		}
		merged[nr.NodeID] = nr.Output
	}
	if len(merged) == 0 {
		return nil
	}
	out, _ := json.Marshal(merged)
	return out
}
