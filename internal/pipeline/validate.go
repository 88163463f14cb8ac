package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/civicsignal/billwatch/internal/store"
)

var billIDPattern = regexp.MustCompile(`^(HR|S|HJRES|SJRES|HCONRES|SCONRES|HRES|SRES)-[1-9]\d*-[1-9]\d*$`)

// corruptionMarkers are placeholder fragments that show up when an upstream
// serializer mangles a field; a record containing one is unusable as-is and
// should be refetched.
var corruptionMarkers = []string{
	"[object Object]",
	"�",
	"NaN-",
}

// validateBill checks the structural invariants of an assembled record before
// it is persisted. A violation is retryable: the upstream row is usually
// repaired within a cycle or two.
func validateBill(b store.Bill) error {
	id := b.Key.ID()
	if !billIDPattern.MatchString(id) {
		return fmt.Errorf("malformed identifier %q", id)
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("empty title")
	}
	for _, field := range []string{b.Title, b.Summary, b.LatestAction} {
		for _, marker := range corruptionMarkers {
			if strings.Contains(field, marker) {
				return fmt.Errorf("corrupted text (contains %q)", marker)
			}
		}
	}
	if strings.EqualFold(strings.TrimSpace(b.Title), "undefined") {
		return fmt.Errorf("placeholder title")
	}
	return nil
}
