package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/civicsignal/billwatch/internal/store"
	openai "github.com/civicsignal/billwatch/provider/openai"
)

// EmbedderStore captures the store methods required by the embedder.
type EmbedderStore interface {
	SelectByStatus(ctx context.Context, status string, limit int) ([]store.Bill, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	UpdateEmbedding(ctx context.Context, key store.BillKey, vector []float32) error
}

// TextEmbedder is the batched embedding model call.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([]openai.Embedding, error)
}

// Embedder builds one embedding text per categorized bill and submits the
// batch as a single request. Results are re-associated strictly by the
// response's per-item index field; a response that does not cover every input
// exactly once is a model integrity failure and aborts the invocation.
type Embedder struct {
	Store  EmbedderStore
	Model  TextEmbedder
	Logger *log.Logger

	BatchSize        int
	SummaryMaxLength int
}


func (e *Embedder) Name() Stage { return StageEmbed }

func (e *Embedder) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Stage: StageEmbed}

	bills, err := e.Store.SelectByStatus(ctx, store.StatusCategorized, e.BatchSize)
	if err != nil {
		return summary, err
	}
	if len(bills) == 0 {
		summary.Next = StageScore
		return summary, nil
	}
	summary.Processed = len(bills)

	texts := make([]string, len(bills))
	for i, b := range bills {
		texts[i] = embeddingText(b, e.SummaryMaxLength)
	}

	results, err := e.Model.EmbedTexts(ctx, texts)
	if err != nil {
		return summary, fmt.Errorf("embed batch of %d: %w", len(bills), err)
	}
	if len(results) != len(bills) {
		return summary, fmt.Errorf("embedding response covered %d of %d inputs", len(results), len(bills))
	}

	seen := make(map[int]struct{}, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(bills) {
			return summary, fmt.Errorf("embedding result index %d out of range", r.Index)
		}
		if _, dup := seen[r.Index]; dup {
			return summary, fmt.Errorf("duplicate embedding result index %d", r.Index)
		}
		seen[r.Index] = struct{}{}
	}

	for _, r := range results {
		key := bills[r.Index].Key
		if err := e.Store.UpdateEmbedding(ctx, key, r.Vector); err != nil {
			stageFailed.WithLabelValues(string(StageEmbed)).Inc()
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", key.ID(), err))
			continue
		}
		summary.Updated++
	}
	stageProcessed.WithLabelValues(string(StageEmbed)).Add(float64(summary.Processed))
	e.Logger.Printf("embedded %d of %d bills", summary.Updated, summary.Processed)

	remaining, err := e.Store.CountByStatus(ctx, store.StatusCategorized)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining
	if remaining > 0 {
		summary.More = true
	} else {
		summary.Next = StageScore
	}
	return summary, nil
}

// embeddingText assembles the text submitted to the embedding model: title,
// committees, then the truncated summary.
func embeddingText(b store.Bill, maxSummary int) string {
	parts := []string{b.Title}
	if len(b.Committees) > 0 {
		parts = append(parts, strings.Join(b.Committees, "; "))
	}
	if s := truncate(b.Summary, maxSummary); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}
