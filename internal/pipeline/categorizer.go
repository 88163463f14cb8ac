package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/civicsignal/billwatch/internal/store"
	openai "github.com/civicsignal/billwatch/provider/openai"
)

// CategorizerStore captures the store methods required by the categorizer.
type CategorizerStore interface {
	SelectByStatus(ctx context.Context, status string, limit int) ([]store.Bill, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	UpdateCategory(ctx context.Context, key store.BillKey, category string) error
	DeleteBill(ctx context.Context, key store.BillKey) error
}

// Classifier is the batched classification model call.
type Classifier interface {
	ClassifyBills(ctx context.Context, bills []openai.BillDescriptor, labels []string) ([]openai.Classification, error)
}

// Categorizer assigns each raw bill one label from the fixed category set.
// The model's output is reconciled against the request set so the batch
// always converges: hallucinated identifiers are dropped, omitted ones are
// resolved as insufficient information and the record is deleted for later
// re-collection.
type Categorizer struct {
	Store      CategorizerStore
	Classifier Classifier
	Logger     *log.Logger

	BatchSize        int
	Categories       []string
	SummaryMaxLength int
}

func (c *Categorizer) Name() Stage { return StageCategorize }

func (c *Categorizer) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Stage: StageCategorize}

	bills, err := c.Store.SelectByStatus(ctx, store.StatusRaw, c.BatchSize)
	if err != nil {
		return summary, err
	}
	if len(bills) == 0 {
		summary.Next = StageEmbed
		return summary, nil
	}
	summary.Processed = len(bills)

	byID := make(map[string]store.BillKey, len(bills))
	requested := make([]string, 0, len(bills))
	descriptors := make([]openai.BillDescriptor, 0, len(bills))
	for _, b := range bills {
		id := b.Key.ID()
		byID[id] = b.Key
		requested = append(requested, id)
		descriptors = append(descriptors, openai.BillDescriptor{
			Identifier: id,
			Title:      b.Title,
			Committees: b.Committees,
			Summary:    truncate(b.Summary, c.SummaryMaxLength),
		})
	}

	verdicts, err := c.Classifier.ClassifyBills(ctx, descriptors, c.Categories)
	if err != nil {
		return summary, fmt.Errorf("classify batch of %d: %w", len(bills), err)
	}

	valid := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		valid[cat] = struct{}{}
	}

	rec := Reconcile(requested, verdicts)
	for _, id := range rec.Hallucinated {
		c.Logger.Printf("hallucinated identifier %q in classification response", id)
	}

	for id, label := range rec.Matched {
		key := byID[id]
		if _, ok := valid[label]; ok {
			if err := c.Store.UpdateCategory(ctx, key, label); err != nil {
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", id, err))
				continue
			}
			summary.Updated++
			continue
		}
		if label != openai.LabelInsufficient {
			c.Logger.Printf("label %q for %s outside category set, treating as insufficient", label, id)
		}
		if err := c.Store.DeleteBill(ctx, key); err != nil {
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		billsDropped.Inc()
		summary.Deleted++
	}

	// omitted identifiers resolve as insufficient information by convention,
	// so an unresponsive model can never stall the batch forever
	for _, id := range rec.Omitted {
		c.Logger.Printf("identifier %s omitted from classification response, deleting", id)
		if err := c.Store.DeleteBill(ctx, byID[id]); err != nil {
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		billsDropped.Inc()
		summary.Deleted++
	}

	stageProcessed.WithLabelValues(string(StageCategorize)).Add(float64(summary.Processed))
	stageFailed.WithLabelValues(string(StageCategorize)).Add(float64(len(summary.Failed)))

	remaining, err := c.Store.CountByStatus(ctx, store.StatusRaw)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining
	if remaining > 0 {
		summary.More = true
	} else {
		summary.Next = StageEmbed
	}
	return summary, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
