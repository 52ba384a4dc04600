package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/agent"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
)

// dispatchNode claims the process-wide and per-run concurrency tokens for
// one node attempt loop and runs it in a background goroutine.
func (e *Engine) dispatchNode(ctx context.Context, run *domain.Run, cp *cachedPipeline, rs *runState, node domain.Node) {
	rs.mu.Lock()
	rs.inflight[node.ID] = struct{}{}
	rs.mu.Unlock()

	created, err := e.runs.UpsertNodeResult(ctx, &domain.NodeResult{
		RunID:  run.ID,
		NodeID: node.ID,
		Status: domain.NodeResultRunning,
	})
	if err != nil {
		e.logger.Error("start node result", "run_id", run.ID, "node_id", node.ID, "error", err)
		rs.mu.Lock()
		delete(rs.inflight, node.ID)
		rs.mu.Unlock()
		return
	}

	e.procSem <- struct{}{}
	sem := e.runSems[run.ID]

	go func() {
		defer func() { <-e.procSem }()
		if sem != nil {
			sem <- struct{}{}
			defer func() { <-sem }()
		}
		e.runAttempts(rs.ctx, run, cp, node, created)

		rs.mu.Lock()
		delete(rs.inflight, node.ID)
		rs.mu.Unlock()
	}()
}

// runAttempts drives one node's retry loop: attempt, classify, consult and
// update the circuit breaker, back off, repeat until a terminal Outcome or
// the attempt budget is exhausted. It mirrors the shape of the scheduler's
// runJob/retryDelay pair, generalized from one HTTP call to any node kind.
func (e *Engine) runAttempts(ctx context.Context, run *domain.Run, cp *cachedPipeline, node domain.Node, nr *domain.NodeResult) {
	policy := cp.pipeline.EffectivePolicy(node)
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	breakerKey := fmt.Sprintf("%s:%s", cp.pipeline.ID, node.ID)

	var outcome domain.Outcome
	var boolTag *bool
	attempts := 0

	for attempts < policy.MaxAttempts {
		attempts++

		if ctx.Err() != nil {
			outcome = domain.Cancelled()
			break
		}

		var breaker *domain.CircuitBreaker
		if policy.CBThreshold > 0 {
			var err error
			breaker, err = e.breakers.GetOrCreate(ctx, breakerKey, policy.CBThreshold, int(policy.CBCooldown/time.Second))
			if err == nil {
				admit, next := breaker.Admits(e.clock.Now())
				if !admit {
					outcome = domain.CircuitOpen()
					break
				}
				if next == domain.BreakerHalfOpen && breaker.State != domain.BreakerHalfOpen {
					probing := *breaker
					probing.State = domain.BreakerHalfOpen
					probing.HalfOpenProbeInUse = true
					_ = e.breakers.CompareAndSwap(ctx, probing, breaker.Version)
					breaker = &probing
				}
			}
		}

		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if policy.PerAttemptTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, policy.PerAttemptTimeout)
		}

		start := time.Now()
		out, tag := e.evaluateNode(attemptCtx, run, node)
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if attemptCtx.Err() != nil && out.Kind != domain.OutcomeSuccess {
			out = domain.TimedOut(attemptCtx.Err())
		}
		boolTag = tag
		outcome = out

		metrics.NodeAttemptDuration.WithLabelValues(string(node.Kind), string(out.Kind)).Observe(time.Since(start).Seconds())
		metrics.NodeAttemptsTotal.WithLabelValues(string(node.Kind), string(out.Kind)).Inc()

		if breaker != nil {
			var next domain.CircuitBreaker
			if out.Kind == domain.OutcomeSuccess {
				next = breaker.OnSuccess()
			} else {
				next = breaker.OnFailure(e.clock.Now())
			}
			if next.State == domain.BreakerOpen && breaker.State != domain.BreakerOpen {
				metrics.CircuitBreakerTripsTotal.WithLabelValues(breakerKey).Inc()
			}
			metrics.CircuitBreakerState.WithLabelValues(breakerKey).Set(breakerStateValue(next.State))
			_ = e.breakers.CompareAndSwap(ctx, next, breaker.Version)
		}

		if out.Kind == domain.OutcomeSuccess {
			break
		}
		if !out.Retryable() {
			break
		}
		if attempts >= policy.MaxAttempts {
			break
		}

		delay := retryDelay(policy.BackoffBase, policy.BackoffCap, attempts)
		if err := e.clock.SleepUntil(ctx, e.clock.Now().Add(delay)); err != nil {
			outcome = domain.Cancelled()
			break
		}
	}

	e.record(ctx, node, nr, attempts, outcome, boolTag)

	if outcome.Kind != domain.OutcomeSuccess {
		e.propagateFailure(run, cp, node, outcome)
	}
}

func (e *Engine) record(ctx context.Context, node domain.Node, nr *domain.NodeResult, attempts int, outcome domain.Outcome, boolTag *bool) {
	// Persist the final attempt count before the terminal transition so a
	// crash between the two writes still shows accurate attempt history.
	// The upsert bumps the row's version, so the id/version used for the
	// terminal compare-and-set below must come from its return value, not
	// from the version captured when the attempt loop started.
	withAttempts, err := e.runs.UpsertNodeResult(ctx, &domain.NodeResult{
		RunID:    nr.RunID,
		NodeID:   nr.NodeID,
		Status:   domain.NodeResultRunning,
		Attempts: attempts,
	})
	if err == nil {
		nr = withAttempts
	}

	status := domain.NodeResultSucceeded
	errText := ""
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		status = domain.NodeResultSucceeded
	case domain.OutcomeCancelled:
		status = domain.NodeResultFailed
		errText = "cancelled"
	default:
		status = domain.NodeResultFailed
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		} else {
			errText = string(outcome.Kind)
		}
	}

	if err := e.runs.CompareAndSetNodeResult(ctx, nr.ID, nr.Version, status, outcome.Output, errText, boolTag); err != nil {
		e.logger.Warn("record node result", "node_id", nr.NodeID, "error", err)
	}
}

// propagateFailure applies the node's failure_mode: fail_run cancels the
// whole run immediately, skip_branch and continue both let sibling
// branches keep running, differing only in whether the run's final status
// is Failed (skip_branch) or may still be Succeeded (continue).
func (e *Engine) propagateFailure(run *domain.Run, cp *cachedPipeline, node domain.Node, outcome domain.Outcome) {
	policy := cp.pipeline.EffectivePolicy(node)
	mode := policy.FailureMode
	if mode == "" {
		mode = domain.FailRun
	}

	e.mu.Lock()
	rs, ok := e.runStates[run.ID]
	e.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	switch mode {
	case domain.FailRun:
		rs.failFast = true
		rs.cancel()
	case domain.SkipBranch:
		rs.hasFailure = true
	case domain.ContinueRun:
		// no run-level bookkeeping: dependents are still skipped via
		// readiness(), but this node's failure alone does not fail the run.
	}
}

func breakerStateValue(s domain.BreakerState) float64 {
	switch s {
	case domain.BreakerClosed:
		return 0
	case domain.BreakerHalfOpen:
		return 1
	case domain.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// retryDelay computes an exponential backoff capped at cap, plus jitter
// uniform over [0, delay*0.1] added on top so retries spread out without
// ever landing below the base exponential curve. Ported from the
// scheduler's original retryDelay, generalized from a fixed 30s base to the
// policy's configured base.
func retryDelay(base, cap_ time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap_ <= 0 {
		cap_ = time.Hour
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > cap_ {
		delay = cap_
	}
	if delay <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// evaluateNode dispatches one attempt to the evaluator for node.Kind. The
// second return value is only meaningful for condition nodes.
func (e *Engine) evaluateNode(ctx context.Context, run *domain.Run, node domain.Node) (domain.Outcome, *bool) {
	switch node.Kind {
	case domain.NodeTrigger:
		return domain.Success(run.Input), nil

	case domain.NodeAgent:
		var cfg domain.AgentConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return domain.Fatal(fmt.Errorf("decode agent config: %w", err)), nil
		}
		input := run.Input
		if len(cfg.InputMapping) > 0 {
			input = cfg.InputMapping
		}
		out := e.agents.Invoke(ctx, agent.Request{
			AgentID:    cfg.AgentID,
			Capability: cfg.Capability,
			Input:      input,
			RunID:      run.ID,
			NodeID:     node.ID,
		})
		return out, nil

	case domain.NodeCondition:
		var cfg domain.ConditionConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return domain.Fatal(fmt.Errorf("decode condition config: %w", err)), nil
		}
		results, err := e.runs.ListNodeResults(ctx, run.ID)
		if err != nil {
			return domain.Transient(fmt.Errorf("load results for condition: %w", err)), nil
		}
		byNode := make(map[string]*domain.NodeResult, len(results))
		for _, nr := range results {
			byNode[nr.NodeID] = nr
		}
		tag := evaluateCondition(cfg.Expression, byNode)
		out, _ := json.Marshal(map[string]bool{"result": tag})
		return domain.Success(out), &tag

	case domain.NodeAction:
		var cfg domain.ActionConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return domain.Fatal(fmt.Errorf("decode action config: %w", err)), nil
		}
		hint := fmt.Sprintf("run:%s:%s", run.ID, node.ID)
		return e.dispatchAction(ctx, cfg, hint), nil

	case domain.NodeParallel:
		return domain.Success(nil), nil

	case domain.NodeDelay:
		var cfg domain.DelayConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return domain.Fatal(fmt.Errorf("decode delay config: %w", err)), nil
		}
		if err := e.clock.SleepUntil(ctx, e.clock.Now().Add(cfg.Duration)); err != nil {
			return domain.Cancelled(), nil
		}
		return domain.Success(nil), nil

	default:
		return domain.Fatal(fmt.Errorf("%w: unknown node kind %q", domain.ErrValidation, node.Kind)), nil
	}
}

func (e *Engine) dispatchAction(ctx context.Context, cfg domain.ActionConfig, hint string) domain.Outcome {
	if e.actions == nil {
		return domain.Fatal(fmt.Errorf("%w: no action registry configured", domain.ErrValidation))
	}
	return e.actions.Dispatch(ctx, cfg.Kind, cfg.Payload, hint)
}

var conditionComparisonExpr = regexp.MustCompile(`^(\S+)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)

// evaluateCondition supports two forms: "<node_id>" / "!<node_id>" (that
// node succeeded or did not), and "<node_id>.<field> <op> <value>", a field
// lookup into the node's JSON output compared against a literal with one of
// == != > >= < <=. <field> may dot into nested objects. Anything past a
// single comparison (boolean connectives, parenthesization) belongs behind
// a real expression language; this repository's dependency set doesn't pull
// one in, so the surface stays intentionally small.
func evaluateCondition(expr string, results map[string]*domain.NodeResult) bool {
	expr = strings.TrimSpace(expr)

	if m := conditionComparisonExpr.FindStringSubmatch(expr); m != nil {
		return evaluateComparison(m[1], m[2], strings.TrimSpace(m[3]), results)
	}

	negate := strings.HasPrefix(expr, "!")
	nodeID := strings.TrimPrefix(expr, "!")

	nr, ok := results[nodeID]
	succeeded := ok && nr.Status == domain.NodeResultSucceeded
	if negate {
		return !succeeded
	}
	return succeeded
}

func evaluateComparison(lhsPath, op, rhsLiteral string, results map[string]*domain.NodeResult) bool {
	nodeID, field, _ := strings.Cut(lhsPath, ".")
	nr, ok := results[nodeID]
	if !ok || nr.Status != domain.NodeResultSucceeded || len(nr.Output) == 0 {
		return false
	}

	var output any
	if err := json.Unmarshal(nr.Output, &output); err != nil {
		return false
	}
	lhs, ok := lookupField(output, field)
	if !ok {
		return false
	}

	return compareValues(lhs, op, parseLiteral(rhsLiteral))
}

// lookupField walks a dot-separated path through decoded JSON, descending
// through map[string]any at each segment.
func lookupField(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	key, rest, _ := strings.Cut(path, ".")
	next, ok := m[key]
	if !ok {
		return nil, false
	}
	return lookupField(next, rest)
}

func parseLiteral(s string) any {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func compareValues(lhs any, op string, rhs any) bool {
	if lf, lok := lhs.(float64); lok {
		if rf, rok := rhs.(float64); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			}
			return false
		}
	}
	ls, rs := fmt.Sprint(lhs), fmt.Sprint(rhs)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	default:
		return false
	}
}
