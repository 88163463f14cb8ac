package pipeline

import (
	"context"
	"testing"

	"github.com/civicsignal/billwatch/internal/store"
	openai "github.com/civicsignal/billwatch/provider/openai"
)

type fakeEmbeddingModel struct {
	results []openai.Embedding
	err     error
	texts   []string
}

func (m *fakeEmbeddingModel) EmbedTexts(_ context.Context, texts []string) ([]openai.Embedding, error) {
	m.texts = texts
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

func seedCategorized(st *fakeBillStore, n int) {
	for i := 1; i <= n; i++ {
		st.bills[store.StatusCategorized] = append(st.bills[store.StatusCategorized], store.Bill{
			Key: billKey(i), Title: "Bill " + billID(i), Category: "Access to Care",
		})
	}
}

func newTestEmbedder(st *fakeBillStore, m *fakeEmbeddingModel) *Embedder {
	return &Embedder{Store: st, Model: m, Logger: testLogger(), BatchSize: 20, SummaryMaxLength: 1000}
}

func TestEmbedderAssociatesByIndexNotOrder(t *testing.T) {
	st := newFakeBillStore()
	seedCategorized(st, 3)

	// results arrive in reverse order; association must follow the index field
	m := &fakeEmbeddingModel{results: []openai.Embedding{
		{Index: 2, Vector: []float32{0, 0, 1}},
		{Index: 1, Vector: []float32{0, 1, 0}},
		{Index: 0, Vector: []float32{1, 0, 0}},
	}}

	summary, err := newTestEmbedder(st, m).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Updated != 3 {
		t.Fatalf("updated = %d, want 3", summary.Updated)
	}
	if v := st.embeddings[billID(1)]; len(v) != 3 || v[0] != 1 {
		t.Fatalf("bill 1 got wrong vector: %v", v)
	}
	if v := st.embeddings[billID(3)]; len(v) != 3 || v[2] != 1 {
		t.Fatalf("bill 3 got wrong vector: %v", v)
	}
}

func TestEmbedderIncompleteResponseAborts(t *testing.T) {
	st := newFakeBillStore()
	seedCategorized(st, 3)
	m := &fakeEmbeddingModel{results: []openai.Embedding{
		{Index: 0, Vector: []float32{1}},
		{Index: 1, Vector: []float32{1}},
	}}

	if _, err := newTestEmbedder(st, m).Run(context.Background()); err == nil {
		t.Fatal("expected error for short response")
	}
	if len(st.embeddings) != 0 {
		t.Fatal("aborted invocation must not store vectors")
	}
}

func TestEmbedderDuplicateIndexAborts(t *testing.T) {
	st := newFakeBillStore()
	seedCategorized(st, 2)
	m := &fakeEmbeddingModel{results: []openai.Embedding{
		{Index: 0, Vector: []float32{1}},
		{Index: 0, Vector: []float32{2}},
	}}

	if _, err := newTestEmbedder(st, m).Run(context.Background()); err == nil {
		t.Fatal("expected error for duplicate index")
	}
	if len(st.embeddings) != 0 {
		t.Fatal("aborted invocation must not store vectors")
	}
}

func TestEmbedderOutOfRangeIndexAborts(t *testing.T) {
	st := newFakeBillStore()
	seedCategorized(st, 2)
	m := &fakeEmbeddingModel{results: []openai.Embedding{
		{Index: 0, Vector: []float32{1}},
		{Index: 5, Vector: []float32{2}},
	}}

	if _, err := newTestEmbedder(st, m).Run(context.Background()); err == nil {
		t.Fatal("expected error for out of range index")
	}
}

func TestEmbedderEmptyBacklogHandsOffToScorer(t *testing.T) {
	summary, err := newTestEmbedder(newFakeBillStore(), &fakeEmbeddingModel{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Next != StageScore {
		t.Fatalf("next = %q, want score", summary.Next)
	}
}

func TestEmbeddingText(t *testing.T) {
	b := store.Bill{
		Title:      "Rural Hospital Support Act",
		Committees: []string{"Energy and Commerce", "Ways and Means"},
		Summary:    "Supports rural hospitals.",
	}
	got := embeddingText(b, 1000)
	want := "Rural Hospital Support Act\nEnergy and Commerce; Ways and Means\nSupports rural hospitals."
	if got != want {
		t.Fatalf("embeddingText:\n got %q\nwant %q", got, want)
	}
	if got := embeddingText(store.Bill{Title: "T"}, 1000); got != "T" {
		t.Fatalf("title-only text: %q", got)
	}
}
