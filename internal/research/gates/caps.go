package gates

import (
	"time"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// RetryCapsV1 caps retries per gate. Gates A and F never retry.
var RetryCapsV1 = map[string]int{
	"A": 0,
	"B": 2,
	"C": 1,
	"D": 1,
	"E": 3,
	"F": 0,
}

// RecordRetry bumps metrics.retry_counts[gate] and appends a
// metrics.retry_history entry through the manifest mutator. An attempt that
// lands over the cap is still recorded, then reported as
// RETRY_CAP_EXHAUSTED; the returned manifest reflects the write either way.
func RecordRetry(runRoot, gateID, changeNote string) (*manifest.Manifest, error) {
	limit, ok := RetryCapsV1[gateID]
	if !ok {
		return nil, errs.New(errs.InvalidArgs, "unknown gate %q", gateID).WithDetail("gate_id", gateID)
	}
	m, err := manifest.Load(runRoot)
	if err != nil {
		return nil, err
	}

	counts := retryCounts(m)
	counts[gateID]++
	history := retryHistory(m)
	history = append(history, map[string]any{
		"gate":    gateID,
		"attempt": counts[gateID],
		"note":    changeNote,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})

	countsPatch := make(map[string]any, len(counts))
	for id, n := range counts {
		countsPatch[id] = n
	}
	patch := map[string]any{
		"metrics": map[string]any{
			"retry_counts":  countsPatch,
			"retry_history": history,
		},
	}
	rev := m.Revision
	updated, err := manifest.Write(runRoot, patch, &rev, "retry_record gate "+gateID)
	if err != nil {
		return nil, err
	}
	if counts[gateID] > limit {
		return updated, errs.New(errs.RetryCapExhausted, "gate %s retry cap %d exhausted at attempt %d", gateID, limit, counts[gateID]).
			WithDetail("gate_id", gateID).
			WithDetail("cap", limit).
			WithDetail("attempt", counts[gateID])
	}
	return updated, nil
}

// RetryCount reads the current retry counter for one gate.
func RetryCount(m *manifest.Manifest, gateID string) int {
	return retryCounts(m)[gateID]
}

// Exhausted reports whether another retry of the gate would land over its
// cap.
func Exhausted(m *manifest.Manifest, gateID string) bool {
	limit, ok := RetryCapsV1[gateID]
	if !ok {
		return true
	}
	return retryCounts(m)[gateID] >= limit
}

func retryCounts(m *manifest.Manifest) map[string]int {
	out := map[string]int{}
	raw, ok := m.Metrics["retry_counts"].(map[string]any)
	if !ok {
		return out
	}
	for id, v := range raw {
		out[id] = asInt(v)
	}
	return out
}

func retryHistory(m *manifest.Manifest) []any {
	raw, ok := m.Metrics["retry_history"].([]any)
	if !ok {
		return nil
	}
	return append([]any(nil), raw...)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
