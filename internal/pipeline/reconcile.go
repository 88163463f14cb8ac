package pipeline

import (
	openai "github.com/civicsignal/billwatch/provider/openai"
)

// Reconciliation is the total accounting of one classification batch against
// its request set: every requested identifier lands in exactly one of Matched
// or Omitted, and every returned identifier outside the request set lands in
// Hallucinated.
type Reconciliation struct {
	// Matched maps requested identifiers to the label the model returned
	// (which may be the insufficient-information sentinel).
	Matched map[string]string
	// Hallucinated lists returned identifiers that were never requested.
	Hallucinated []string
	// Omitted lists requested identifiers absent from the response.
	Omitted []string
}

// Reconcile compares the requested identifier set against the model's
// response. Duplicate verdicts for the same identifier keep the first one.
func Reconcile(requested []string, returned []openai.Classification) Reconciliation {
	rec := Reconciliation{Matched: make(map[string]string, len(requested))}

	want := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		want[id] = struct{}{}
	}

	for _, verdict := range returned {
		if _, ok := want[verdict.Identifier]; !ok {
			rec.Hallucinated = append(rec.Hallucinated, verdict.Identifier)
			continue
		}
		if _, dup := rec.Matched[verdict.Identifier]; dup {
			continue
		}
		rec.Matched[verdict.Identifier] = verdict.Label
	}

	for _, id := range requested {
		if _, ok := rec.Matched[id]; !ok {
			rec.Omitted = append(rec.Omitted, id)
		}
	}
	return rec
}
