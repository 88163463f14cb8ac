// Package pipeline implements the bill enrichment chain: collect → fetch →
// categorize → embed → score. Every stage performs one bounded unit of work
// per invocation and reports, via its Summary, whether it has more work and
// which stage should run next; the Runner turns those continuation signals
// into a loop. All cross-invocation state lives in the record store and the
// work queue, so any invocation can be retried safely.
package pipeline

import (
	"context"
)

// Stage identifies one pipeline stage.
type Stage string

const (
	StageCollect    Stage = "collect"
	StageFetch      Stage = "fetch"
	StageCategorize Stage = "categorize"
	StageEmbed      Stage = "embed"
	StageScore      Stage = "score"
)

// Summary is the JSON result of one bounded stage invocation.
type Summary struct {
	Stage       Stage    `json:"stage"`
	Processed   int      `json:"processed"`
	Updated     int      `json:"updated"`
	Deleted     int      `json:"deleted,omitempty"`
	Discarded   int      `json:"discarded,omitempty"`
	Quarantined int      `json:"quarantined,omitempty"`
	Requests    int      `json:"requests,omitempty"`
	Remaining   int      `json:"remaining"`
	Failed      []string `json:"failed,omitempty"`
	More        bool     `json:"more"`
	Next        Stage    `json:"next,omitempty"`
}

// StageRunner is one pipeline stage. Run performs a single bounded
// invocation; an error return means the invocation aborted without the
// partial state corruption (leased items redeliver, the cursor stays put).
type StageRunner interface {
	Name() Stage
	Run(ctx context.Context) (Summary, error)
}
