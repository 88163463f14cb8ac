package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/civicsignal/billwatch/internal/notify"
	"github.com/civicsignal/billwatch/internal/similarity"
	"github.com/civicsignal/billwatch/internal/store"
)

// ScorerStore captures the store methods required by the scorer.
type ScorerStore interface {
	SelectByStatus(ctx context.Context, status string, limit int) ([]store.Bill, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	UpdateSubscores(ctx context.Context, key store.BillKey, scores map[string]float64) error
	ReferenceVectors(ctx context.Context) (map[string][]store.ReferenceVector, error)
}

// Scorer computes each embedded bill's normalized cosine similarity against
// every reference subcategory vector of its category. A category with no
// reference vectors yields an empty score map rather than a null field, so
// the row is never reselected.
type Scorer struct {
	Store    ScorerStore
	Notifier notify.Notifier
	Logger   *log.Logger

	BatchSize int
}

func (s *Scorer) Name() Stage { return StageScore }

func (s *Scorer) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Stage: StageScore}

	refs, err := s.Store.ReferenceVectors(ctx)
	if err != nil {
		return summary, err
	}

	bills, err := s.Store.SelectByStatus(ctx, store.StatusEmbedded, s.BatchSize)
	if err != nil {
		return summary, err
	}
	if len(bills) == 0 {
		s.Notifier.Notify(ctx, "pipeline cycle complete: no bills left to score")
		return summary, nil
	}
	summary.Processed = len(bills)

	for _, b := range bills {
		scores := map[string]float64{}
		failed := false
		for _, rv := range refs[b.Category] {
			score, err := similarity.Score(b.Embedding, rv.Vector)
			if err != nil {
				stageFailed.WithLabelValues(string(StageScore)).Inc()
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s/%s: %v", b.Key.ID(), rv.Subcategory, err))
				failed = true
				break
			}
			scores[rv.Subcategory] = score
		}
		if failed {
			continue
		}
		if len(refs[b.Category]) == 0 {
			s.Logger.Printf("no reference vectors for category %q, storing empty scores for %s", b.Category, b.Key.ID())
		}
		if err := s.Store.UpdateSubscores(ctx, b.Key, scores); err != nil {
			stageFailed.WithLabelValues(string(StageScore)).Inc()
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", b.Key.ID(), err))
			continue
		}
		summary.Updated++
	}
	stageProcessed.WithLabelValues(string(StageScore)).Add(float64(summary.Processed))

	remaining, err := s.Store.CountByStatus(ctx, store.StatusEmbedded)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining
	if remaining > 0 {
		summary.More = true
	} else {
		s.Notifier.Notify(ctx, fmt.Sprintf("pipeline cycle complete: scored %d bills", summary.Updated))
	}
	return summary, nil
}
