package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/civicsignal/billwatch/internal/notify"
)

// Runner drives the stage chain in-process. Stages never trigger each other
// over the network: each invocation reports a continuation signal (repeat me,
// or hand off to the named next stage) and the runner loops on it, bounded by
// MaxInvocations as a guard against a stage that never converges.
type Runner struct {
	stages         map[Stage]StageRunner
	notifier       notify.Notifier
	logger         *log.Logger
	maxInvocations int
}

// NewRunner registers the given stages.
func NewRunner(stages []StageRunner, notifier notify.Notifier, logger *log.Logger, maxInvocations int) *Runner {
	if maxInvocations <= 0 {
		maxInvocations = 500
	}
	m := make(map[Stage]StageRunner, len(stages))
	for _, s := range stages {
		m[s.Name()] = s
	}
	return &Runner{stages: m, notifier: notifier, logger: logger, maxInvocations: maxInvocations}
}

// RunStage performs exactly one bounded invocation of the named stage.
// Invocation-level errors are reported to the operator channel with the
// stage name before being returned.
func (r *Runner) RunStage(ctx context.Context, stage Stage) (Summary, error) {
	sr, ok := r.stages[stage]
	if !ok {
		return Summary{}, fmt.Errorf("unknown stage %q", stage)
	}
	summary, err := sr.Run(ctx)
	if err != nil {
		r.notifier.Notify(ctx, fmt.Sprintf("%s stage failed: %v", stage, err))
		return summary, err
	}
	r.logger.Printf("%s: processed=%d updated=%d remaining=%d more=%t next=%s",
		stage, summary.Processed, summary.Updated, summary.Remaining, summary.More, summary.Next)
	return summary, nil
}

// Run drives the chain from the given stage until no stage signals further
// work. A stage reporting neither More nor Next ends the cycle (quota pause
// or pipeline complete). Returns every invocation's summary in order.
func (r *Runner) Run(ctx context.Context, start Stage) ([]Summary, error) {
	var summaries []Summary
	current := start
	for i := 0; current != "" && i < r.maxInvocations; i++ {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		summary, err := r.RunStage(ctx, current)
		summaries = append(summaries, summary)
		if err != nil {
			return summaries, fmt.Errorf("stage %s: %w", current, err)
		}
		if summary.More {
			continue
		}
		current = summary.Next
	}
	if current != "" {
		return summaries, fmt.Errorf("stopped after %d invocations with stage %s still pending", r.maxInvocations, current)
	}
	return summaries, nil
}
