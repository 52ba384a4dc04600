package engine

import (
	"context"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
)

// recover runs once at startup: it finds runs left in RunRunning with no
// live owner (because the previous engine process crashed mid-attempt),
// marks their in-flight node results orphaned, and puts the run back onto
// the pending queue so the next tick re-evaluates it from the last
// terminal NodeResult forward. A run is never resumed mid-attempt; the
// orphaned attempt is simply retried from scratch, which is safe because
// handlers are expected to be idempotent per the idempotency hints they
// receive.
func (e *Engine) recover(ctx context.Context) {
	start := time.Now()
	cutoff := e.clock.Now().Add(-e.staleAfter)

	orphaned, err := e.runs.ListOrphaned(ctx, cutoff, 1000)
	if err != nil {
		e.logger.Error("recovery scan: list orphaned runs", "error", err)
		return
	}

	for _, run := range orphaned {
		if err := e.runs.MarkNodeResultsOrphaned(ctx, run.ID); err != nil {
			e.logger.Error("recovery scan: mark node results orphaned", "run_id", run.ID, "error", err)
			continue
		}
		if err := e.runs.CompareAndSetStatus(ctx, run.ID, run.Version, domain.RunPending, "", nil); err != nil {
			e.logger.Error("recovery scan: requeue run", "run_id", run.ID, "error", err)
			metrics.RecoveryRescuedTotal.WithLabelValues("requeue_failed").Inc()
			continue
		}
		e.logger.Info("recovery scan: requeued orphaned run", "run_id", run.ID)
		metrics.RecoveryRescuedTotal.WithLabelValues("requeued").Inc()
	}

	metrics.RecoveryScanDuration.Observe(time.Since(start).Seconds())
}
