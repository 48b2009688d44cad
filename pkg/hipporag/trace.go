package hipporag

import "time"

// OperationTrace captures timing data for one Index/Delete/Retrieve/RagQA
// call. This structure is stable and versioned to support downstream
// consumers (exported via pkg/trace when tracing is enabled).
type OperationTrace struct {
	// Spans contains timing data for each stage of the operation.
	Spans []Span `json:"spans"`

	// TotalDurationMs is the total elapsed time for the operation in
	// milliseconds.
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// Span represents a single timed stage within an operation.
// Stage names are stable and documented:
//   - "chunk-insert": inserting chunk rows into the embedding store
//   - "openie": NER + triple extraction (cache miss only)
//   - "write-graph": vertex/edge writes and graph persistence
//   - "embed": query embedding (fact and passage instructions)
//   - "rerank": fact reranking via the LLM
//   - "ppr": personalized PageRank
//   - "qa": answer formatting and LLM call
type Span struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

func newTrace() *OperationTrace {
	return &OperationTrace{Spans: make([]Span, 0)}
}

func (t *OperationTrace) addSpan(span Span) {
	t.Spans = append(t.Spans, span)
	t.TotalDurationMs += span.DurationMs
}

// spanTimer measures one span's duration and records it into trace on
// finish. A disabled timer (trace == nil) is a no-op.
type spanTimer struct {
	name    string
	start   int64
	trace   *OperationTrace
	enabled bool
}

func newSpanTimer(name string, trace *OperationTrace, enabled bool) *spanTimer {
	if !enabled || trace == nil {
		return &spanTimer{enabled: false}
	}
	return &spanTimer{name: name, start: timeNowMs(), trace: trace, enabled: true}
}

func (st *spanTimer) finish(ok bool, err error, counters map[string]int64) {
	if !st.enabled {
		return
	}
	duration := timeNowMs() - st.start
	span := Span{Name: st.name, DurationMs: duration, OK: ok, Counters: counters}
	if err != nil {
		span.Error = err.Error()
	}
	st.trace.addSpan(span)
}

func timeNowMs() int64 {
	return time.Now().UnixMilli()
}
