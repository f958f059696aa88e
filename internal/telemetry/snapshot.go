package telemetry

import "github.com/browsermcp/gateway/internal/buffers"

// SnapshotOptions controls the bounded slice returned for each buffer.
type SnapshotOptions struct {
	Since  int64 // only entries with ts > Since
	Offset int
	Limit  int // 0 means DefaultSnapshotLimit
}

const DefaultSnapshotLimit = 50

func windowSince[T any](entries []T, tsOf func(T) int64, since int64, offset, limit int) []T {
	filtered := make([]T, 0, len(entries))
	for _, e := range entries {
		if tsOf(e) > since {
			filtered = append(filtered, e)
		}
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// Snapshot returns a bounded, filtered view of all six buffers plus a
// summary and the current cursor. Cursor is the per-telemetry monotonic
// max(cursor, now_ms) maintained by Ingest; callers pass the last cursor
// they observed back in as Since for delta reads.
func (t *Tier0Telemetry) Snapshot(opts SnapshotOptions) Snapshot {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	console := windowSince(t.console.ReadAll(), func(e ConsoleEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)
	errs := windowSince(t.errorsBuf.ReadAll(), func(e ErrorEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)
	network := windowSince(t.network.ReadAll(), func(e NetworkEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)
	harLite := windowSince(t.harLite.ReadAll(), func(e HarLiteEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)
	dialogs := windowSince(t.dialogs.ReadAll(), func(e DialogEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)
	navigation := windowSince(t.navigation.ReadAll(), func(e NavigationEntry) int64 { return e.Ts }, opts.Since, opts.Offset, limit)

	summary := t.buildSummary()

	return Snapshot{
		Console:    console,
		Errors:     errs,
		Network:    network,
		HarLite:    harLite,
		Dialogs:    dialogs,
		Navigation: navigation,
		Summary:    summary,
		DialogOpen: t.dialogOpen,
		Cursor:     t.cursor,
	}
}

// buildSummary scans the full (unfiltered) buffers — callers expect the
// summary to reflect everything currently retained, not just the windowed
// slice returned for this particular Since/Offset/Limit.
func (t *Tier0Telemetry) buildSummary() Summary {
	var s Summary
	for _, c := range t.console.ReadAll() {
		switch c.Level {
		case "error":
			s.ConsoleErrors++
		case "warn":
			s.ConsoleWarnings++
		}
	}
	errEntries := t.errorsBuf.ReadAll()
	s.JSErrors = len(errEntries)
	if len(errEntries) > 0 {
		s.LastError = errEntries[len(errEntries)-1].Message
	}
	for _, n := range t.network.ReadAll() {
		if n.Kind == "error" {
			s.FailedRequests++
		}
	}
	return s
}

// CompletedRequests exposes the completed-request correlation table for
// package nettrace to build request traces from. Returned metas are shared
// pointers — callers must not mutate them.
func (t *Tier0Telemetry) CompletedRequests() []*RequestMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return requestMapValues(t.completed)
}

// Cursor returns the current monotonic cursor (max observed event ts).
func (t *Tier0Telemetry) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

func requestMapValues(m *buffers.RequestMap[string, *RequestMeta]) []*RequestMeta {
	// RequestMap does not expose iteration directly (it is keyed, not
	// positional); callers needing all values go through this helper so the
	// map's internal ordering list stays private to package buffers.
	out := make([]*RequestMeta, 0)
	m.Range(func(_ string, v *RequestMeta) {
		out = append(out, v)
	})
	return out
}
